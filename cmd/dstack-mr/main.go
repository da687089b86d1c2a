// Command dstack-mr computes the expected MRTD/RTMR0/RTMR1/RTMR2 of a
// dstack confidential VM from its firmware, kernel, initrd and launch
// configuration, without ever booting the guest.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dstack-tee/dstack-verifier/internal/mrengine"
)

// metadata mirrors the metadata.json manifest an OS-image bundle ships:
// paths (relative to the manifest's own directory) to the firmware,
// kernel and initrd images, plus the kernel command line to boot with.
type metadata struct {
	Bios    string `json:"bios"`
	Kernel  string `json:"kernel"`
	Initrd  string `json:"initrd"`
	Cmdline string `json:"cmdline"`
}

func parseMemorySize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	mult := uint64(1)
	switch suffix := s[len(s)-1]; suffix {
	case 'G', 'g':
		mult = 1024
		s = s[:len(s)-1]
	case 'M', 'm':
		mult = 1
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	return n * mult, nil
}

func main() {
	var (
		cpuCount        uint8
		memoryStr       string
		metadataPath    string
		qemuVersion     string
		pic             string
		twoPassAddPages string
		jsonOutput      bool
	)

	cmd := &cobra.Command{
		Use:   "dstack-mr",
		Short: "Compute expected TDX measurement registers for a dstack guest",
		RunE: func(cmd *cobra.Command, args []string) error {
			memoryMB, err := parseMemorySize(memoryStr)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(metadataPath)
			if err != nil {
				return fmt.Errorf("read metadata: %w", err)
			}
			var meta metadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return fmt.Errorf("parse metadata: %w", err)
			}

			base := filepath.Dir(metadataPath)
			machine := &mrengine.Machine{
				CPUCount:      cpuCount,
				MemorySizeMB:  memoryMB,
				Firmware:      filepath.Join(base, meta.Bios),
				Kernel:        filepath.Join(base, meta.Kernel),
				Initrd:        filepath.Join(base, meta.Initrd),
				KernelCmdline: meta.Cmdline + " initrd=initrd",
				RootVerity:    true,
			}
			if qemuVersion != "" {
				machine.QemuVersion = &qemuVersion
			}
			if pic != "" {
				v := pic == "true"
				machine.PIC = &v
			}
			if twoPassAddPages != "" {
				v := twoPassAddPages == "true"
				machine.TwoPassAddPages = &v
			}

			measurements, err := machine.Measure()
			if err != nil {
				return fmt.Errorf("measure: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(measurements)
			}

			fmt.Printf("MRTD:  %s\n", measurements.Mrtd)
			fmt.Printf("RTMR0: %s\n", measurements.Rtmr0)
			fmt.Printf("RTMR1: %s\n", measurements.Rtmr1)
			fmt.Printf("RTMR2: %s\n", measurements.Rtmr2)
			return nil
		},
	}

	cmd.Flags().Uint8Var(&cpuCount, "cpu", 1, "number of vCPUs")
	cmd.Flags().StringVar(&memoryStr, "memory", "2G", "guest memory size, e.g. 2G or 2048M")
	cmd.Flags().StringVar(&metadataPath, "metadata", "", "path to the OS image's metadata.json")
	cmd.Flags().StringVar(&qemuVersion, "qemu-version", "", "QEMU version, e.g. 8.2.0 (default: 9.1.0)")
	cmd.Flags().StringVar(&pic, "pic", "", "override PIC default: \"true\" or \"false\"")
	cmd.Flags().StringVar(&twoPassAddPages, "two-pass-add-pages", "", "override page-add ordering: \"true\" or \"false\"")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print measurements as JSON")
	_ = cmd.MarkFlagRequired("metadata")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

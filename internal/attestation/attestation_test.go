package attestation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeTd10Report_ExtractsFields(t *testing.T) {
	body := make([]byte, Td10ReportSize)
	// Place a recognizable marker at MRTD's offset (tdInfoOffset=48, +16).
	for i := 0; i < 48; i++ {
		body[48+16+i] = byte(i)
	}
	copy(body[Td10ReportSize-64:], []byte("report-data-marker"))

	report, err := DecodeTd10Report(body)
	require.NoError(t, err)
	require.Len(t, report.MrTd, 48)
	require.Equal(t, byte(0), report.MrTd[0])
	require.Equal(t, byte(47), report.MrTd[47])
	require.Contains(t, string(report.ReportData), "report-data-marker")
}

func TestDecodeTd10Report_RejectsTooShort(t *testing.T) {
	_, err := DecodeTd10Report(make([]byte, 10))
	require.Error(t, err)
}

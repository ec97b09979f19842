package cryptstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMicrocodePackage(t *testing.T) {
	assert.Equal(t, "amd-ucode", MicrocodePackage("AuthenticAMD"))
	assert.Equal(t, "intel-ucode", MicrocodePackage("GenuineIntel"))
	assert.Equal(t, "", MicrocodePackage("CentaurHauls"))
	assert.Equal(t, "", MicrocodePackage(""))
}

func withCPUInfo(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cpuinfo")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	prev := cpuinfoPath
	cpuinfoPath = path
	t.Cleanup(func() { cpuinfoPath = prev })
}

func TestCPUVendor(t *testing.T) {
	withCPUInfo(t, "processor\t: 0\nvendor_id\t: GenuineIntel\nmodel name\t: something\n")

	vendor, err := CPUVendor()
	require.NoError(t, err)
	assert.Equal(t, "GenuineIntel", vendor)
}

func TestCPUVendorUnknown(t *testing.T) {
	withCPUInfo(t, "processor\t: 0\nmodel name\t: something\n")

	vendor, err := CPUVendor()
	require.NoError(t, err)
	assert.Equal(t, "", vendor)
}

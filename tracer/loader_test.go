package tracer

import (
	"fmt"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"

	"github.com/proctrace/proctrace/shared/osarch"
)

func hostSyscallPrefixes(t *testing.T) (string, string) {
	t.Helper()

	local, err := osarch.ArchitectureGetLocal()
	require.NoError(t, err)

	arch, err := osarch.ArchitectureId(local)
	if err != nil {
		t.Skipf("Host architecture %q isn't supported: %v.", local, err)
	}

	prefix, err := osarch.SyscallPrefix(arch)
	require.NoError(t, err)

	compat, err := osarch.SyscallCompatPrefix(arch)
	require.NoError(t, err)

	return prefix, compat
}

func TestValidateProbeArch(t *testing.T) {
	prefix, compat := hostSyscallPrefixes(t)

	spec := &ebpf.CollectionSpec{Programs: map[string]*ebpf.ProgramSpec{
		"handle_execve_entry": {AttachTo: fmt.Sprintf("__%s_sys_execve", prefix)},
	}}

	require.NoError(t, validateProbeArch(spec))

	// An object built for another architecture is rejected up front
	// rather than failing at attach time.
	spec.Programs["handle_execve_entry"].AttachTo = "__mips_sys_execve"
	require.Error(t, validateProbeArch(spec))

	spec.Programs["handle_execve_entry"].AttachTo = fmt.Sprintf("__%s_sys_execve", prefix)

	// Compat programs only make sense where the architecture has a
	// 32-bit compatibility layer.
	spec.Programs["handle_compat_execve_entry"] = &ebpf.ProgramSpec{AttachTo: "__bogus_compat_sys_execve"}
	require.Error(t, validateProbeArch(spec))

	if compat != "" {
		spec.Programs["handle_compat_execve_entry"].AttachTo = fmt.Sprintf("__%s_compat_sys_execve", compat)
		require.NoError(t, validateProbeArch(spec))
	}

	delete(spec.Programs, "handle_execve_entry")
	require.Error(t, validateProbeArch(spec))
}

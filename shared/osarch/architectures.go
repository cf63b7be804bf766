package osarch

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Architecture identifiers for the platforms the tracer knows about.
const (
	ARCH_UNKNOWN                     = 0
	ARCH_32BIT_INTEL_X86             = 1
	ARCH_64BIT_INTEL_X86             = 2
	ARCH_32BIT_ARMV7_LITTLE_ENDIAN   = 3
	ARCH_64BIT_ARMV8_LITTLE_ENDIAN   = 4
	ARCH_64BIT_RISCV_LITTLE_ENDIAN   = 5
)

var architectureNames = map[int]string{
	ARCH_32BIT_INTEL_X86:           "i686",
	ARCH_64BIT_INTEL_X86:           "x86_64",
	ARCH_32BIT_ARMV7_LITTLE_ENDIAN: "armv7l",
	ARCH_64BIT_ARMV8_LITTLE_ENDIAN: "aarch64",
	ARCH_64BIT_RISCV_LITTLE_ENDIAN: "riscv64",
}

// The symbol prefix the kernel uses for the syscall wrappers of each
// architecture, e.g. __x64_sys_execve.
var architectureSyscallPrefixes = map[int]string{
	ARCH_64BIT_INTEL_X86:           "x64",
	ARCH_64BIT_ARMV8_LITTLE_ENDIAN: "arm64",
	ARCH_64BIT_RISCV_LITTLE_ENDIAN: "riscv",
}

// The symbol prefix used for 32-bit compatibility syscall wrappers, where
// the architecture has any.
var architectureSyscallCompatPrefixes = map[int]string{
	ARCH_64BIT_INTEL_X86: "ia32",
}

// ArchitectureName returns the canonical name for an architecture identifier.
func ArchitectureName(arch int) (string, error) {
	name, ok := architectureNames[arch]
	if !ok {
		return "unknown", fmt.Errorf("Architecture isn't supported: %d", arch)
	}

	return name, nil
}

// ArchitectureId returns the architecture identifier for a canonical name.
func ArchitectureId(name string) (int, error) {
	for arch, archName := range architectureNames {
		if archName == name {
			return arch, nil
		}
	}

	return ARCH_UNKNOWN, fmt.Errorf("Architecture isn't supported: %q", name)
}

// ArchitectureGetLocal returns the name of the local machine architecture.
func ArchitectureGetLocal() (string, error) {
	uname := unix.Utsname{}
	err := unix.Uname(&uname)
	if err != nil {
		return "unknown", fmt.Errorf("Failed to get system architecture: %w", err)
	}

	return unix.ByteSliceToString(uname.Machine[:]), nil
}

// SyscallPrefix returns the kernel syscall wrapper symbol prefix for an
// architecture, e.g. "x64" so that execve resolves to __x64_sys_execve.
func SyscallPrefix(arch int) (string, error) {
	prefix, ok := architectureSyscallPrefixes[arch]
	if !ok {
		return "", fmt.Errorf("Architecture has no syscall wrapper prefix: %d", arch)
	}

	return prefix, nil
}

// SyscallCompatPrefix returns the symbol prefix of the 32-bit compatibility
// syscall wrappers for an architecture. The empty string is returned for
// architectures without a compatibility layer.
func SyscallCompatPrefix(arch int) (string, error) {
	prefix, ok := architectureSyscallCompatPrefixes[arch]
	if !ok {
		return "", nil
	}

	return prefix, nil
}

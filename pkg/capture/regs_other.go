//go:build !linux

package capture

// RegisterReader is a no-op where procfs does not expose thread registers.
type RegisterReader struct{}

// Read always reports false on this platform.
func (r *RegisterReader) Read(tid int, regs *Registers) bool {
	return false
}

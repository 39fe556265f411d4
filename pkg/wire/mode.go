package wire

import "io/fs"

// POSIX permission bits outside the rwx triplets.
const (
	posixSetuid = 0o4000
	posixSetgid = 0o2000
	posixSticky = 0o1000
)

// ModeFromFS converts a Go file mode to the POSIX permission bits carried in
// the mode field.
func ModeFromFS(m fs.FileMode) uint32 {
	mode := uint32(m.Perm())
	if m&fs.ModeSetuid != 0 {
		mode |= posixSetuid
	}
	if m&fs.ModeSetgid != 0 {
		mode |= posixSetgid
	}
	if m&fs.ModeSticky != 0 {
		mode |= posixSticky
	}
	return mode
}

// FSMode converts POSIX permission bits to a Go file mode suitable for
// os.Chmod.
func FSMode(mode uint32) fs.FileMode {
	m := fs.FileMode(mode) & fs.ModePerm
	if mode&posixSetuid != 0 {
		m |= fs.ModeSetuid
	}
	if mode&posixSetgid != 0 {
		m |= fs.ModeSetgid
	}
	if mode&posixSticky != 0 {
		m |= fs.ModeSticky
	}
	return m
}

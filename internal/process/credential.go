package process

import (
	"fmt"
	"strconv"
	"strings"
)

// Credentials are the user and group identities of a process. They are
// copied by value into every forked child.
type Credentials struct {
	Uid  uint32
	Euid uint32
	Gid  uint32
	Egid uint32
}

func (c Credentials) String() string {
	return fmt.Sprintf("uid=%d euid=%d gid=%d egid=%d", c.Uid, c.Euid, c.Gid, c.Egid)
}

// Privileged reports whether the effective user is root.
func (c Credentials) Privileged() bool { return c.Euid == 0 }

// CanSignal reports whether a process holding c may send a signal to a
// process holding target.
func (c Credentials) CanSignal(target Credentials) bool {
	if c.Privileged() {
		return true
	}
	return c.Uid == target.Uid || c.Euid == target.Uid
}

// ParseCredential parses a "uid" or "uid:gid" string. The effective ids
// equal the real ones and gid defaults to uid.
func ParseCredential(user string) (Credentials, error) {
	if user == "" {
		return Credentials{}, nil
	}

	parts := strings.SplitN(user, ":", 2)
	uid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Credentials{}, fmt.Errorf("invalid uid in user %q: %w", user, err)
	}

	gid := uid // default gid = uid
	if len(parts) > 1 {
		gid, err = strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return Credentials{}, fmt.Errorf("invalid gid in user %q: %w", user, err)
		}
	}

	return Credentials{
		Uid:  uint32(uid),
		Euid: uint32(uid),
		Gid:  uint32(gid),
		Egid: uint32(gid),
	}, nil
}

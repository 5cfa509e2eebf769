package process

import (
	"testing"
)

func TestParseCredentialEmpty(t *testing.T) {
	cred, err := ParseCredential("")
	if err != nil {
		t.Fatal(err)
	}
	if cred != (Credentials{}) {
		t.Fatalf("cred = %v, want all zero", cred)
	}
}

func TestParseCredentialUIDOnly(t *testing.T) {
	cred, err := ParseCredential("1000")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Uid != 1000 || cred.Euid != 1000 {
		t.Fatalf("uid=%d euid=%d, want 1000", cred.Uid, cred.Euid)
	}
	if cred.Gid != 1000 || cred.Egid != 1000 {
		t.Fatalf("gid=%d egid=%d, want 1000 (default to uid)", cred.Gid, cred.Egid)
	}
}

func TestParseCredentialUIDGID(t *testing.T) {
	cred, err := ParseCredential("1000:2000")
	if err != nil {
		t.Fatal(err)
	}
	if cred.Uid != 1000 {
		t.Fatalf("uid = %d, want 1000", cred.Uid)
	}
	if cred.Gid != 2000 {
		t.Fatalf("gid = %d, want 2000", cred.Gid)
	}
}

func TestParseCredentialInvalid(t *testing.T) {
	for _, in := range []string{"abc", "1000:abc", "-1", "99999999999"} {
		if _, err := ParseCredential(in); err == nil {
			t.Errorf("ParseCredential(%q) succeeded, want error", in)
		}
	}
}

func TestCanSignal(t *testing.T) {
	root := Credentials{}
	alice := Credentials{Uid: 1000, Euid: 1000, Gid: 1000, Egid: 1000}
	bob := Credentials{Uid: 1001, Euid: 1001, Gid: 1001, Egid: 1001}
	setuid := Credentials{Uid: 1001, Euid: 1000}

	tests := []struct {
		name   string
		sender Credentials
		target Credentials
		want   bool
	}{
		{"root to anyone", root, bob, true},
		{"same user", alice, alice, true},
		{"other user", alice, bob, false},
		{"effective uid matches", setuid, alice, true},
		{"user to root", alice, root, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sender.CanSignal(tt.target); got != tt.want {
				t.Fatalf("CanSignal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCredentialsString(t *testing.T) {
	c := Credentials{Uid: 1, Euid: 2, Gid: 3, Egid: 4}
	if got, want := c.String(), "uid=1 euid=2 gid=3 egid=4"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

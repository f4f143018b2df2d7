package net

import "testing"

func TestParseMACValid(t *testing.T) {
	t.Parallel()

	mac, err := ParseMAC("aa:bb:cc:dd:ee:ff")
	if err != nil {
		t.Fatalf("ParseMAC: %v", err)
	}

	want := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	if mac != want {
		t.Fatalf("ParseMAC = %v, want %v", mac, want)
	}
}

func TestParseMACRejectsBadFormat(t *testing.T) {
	t.Parallel()

	cases := []string{
		"",
		"aa:bb:cc:dd:ee",
		"aabbccddeeff",
		"gg:bb:cc:dd:ee:ff",
		"aa:bb:cc:dd:ee:ff:00",
	}

	for _, c := range cases {
		if _, err := ParseMAC(c); err == nil {
			t.Errorf("ParseMAC(%q) succeeded, want error", c)
		}
	}
}

func TestRandomMACLocallyAdministeredUnicast(t *testing.T) {
	t.Parallel()

	for i := 0; i < 64; i++ {
		mac, err := randomMAC()
		if err != nil {
			t.Fatalf("randomMAC: %v", err)
		}

		if mac[0]&0x01 != 0 {
			t.Fatalf("mac[0]=%#x has multicast bit set", mac[0])
		}

		if mac[0]&0x02 == 0 {
			t.Fatalf("mac[0]=%#x missing locally-administered bit", mac[0])
		}
	}
}

func TestResolveMACEmptyGeneratesRandom(t *testing.T) {
	t.Parallel()

	mac, err := resolveMAC("")
	if err != nil {
		t.Fatalf("resolveMAC: %v", err)
	}

	if mac[0]&0x02 == 0 {
		t.Fatal("generated MAC missing locally-administered bit")
	}
}

func TestAttachExistingFd(t *testing.T) {
	t.Parallel()

	fd, err := attachExistingFd("@42")
	if err != nil {
		t.Fatalf("attachExistingFd: %v", err)
	}

	if fd != 42 {
		t.Fatalf("fd = %d, want 42", fd)
	}
}

func TestAttachExistingFdRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := attachExistingFd("@notanumber"); err == nil {
		t.Fatal("expected error for non-numeric fd spec")
	}
}

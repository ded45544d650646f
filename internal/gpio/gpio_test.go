package gpio

import "testing"

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("BCM"); err != nil || m != ModeBCM {
		t.Errorf("ParseMode(BCM) = %v, %v", m, err)
	}
	if m, err := ParseMode("PHY"); err != nil || m != ModePHY {
		t.Errorf("ParseMode(PHY) = %v, %v", m, err)
	}
	if _, err := ParseMode("BOARD"); err == nil {
		t.Error("ParseMode(BOARD) should fail")
	}
}

func TestMemChip_Levels(t *testing.T) {
	chip := NewMemChip(ModeBCM)

	level, err := chip.ReadLevel(17)
	if err != nil || level {
		t.Errorf("unset pin = %v, %v; want low", level, err)
	}

	chip.SetLevel(17, true)
	level, err = chip.ReadLevel(17)
	if err != nil || !level {
		t.Errorf("set pin = %v, %v; want high", level, err)
	}
}

func TestMemChip_Edges(t *testing.T) {
	chip := NewMemChip(ModeBCM)

	var fired []int
	if err := chip.OnEdge(26, func(pin int) { fired = append(fired, pin) }); err != nil {
		t.Fatal(err)
	}

	chip.FireEdge(26)
	chip.FireEdge(26)
	chip.FireEdge(5) // unregistered pin, no-op

	if len(fired) != 2 || fired[0] != 26 {
		t.Errorf("fired = %v, want [26 26]", fired)
	}
}

func TestMemChip_Closed(t *testing.T) {
	chip := NewMemChip(ModeBCM)
	fired := false
	_ = chip.OnEdge(26, func(int) { fired = true })

	if err := chip.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := chip.ReadLevel(17); err == nil {
		t.Error("ReadLevel after Close should fail")
	}
	if err := chip.OnEdge(17, func(int) {}); err == nil {
		t.Error("OnEdge after Close should fail")
	}
	chip.FireEdge(26)
	if fired {
		t.Error("edge fired after Close")
	}
}

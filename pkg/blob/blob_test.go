package blob

import "testing"

func TestTurnKey(t *testing.T) {
	got := TurnKey("s1", "t9", "mp3")
	if want := "sessions/s1/turns/t9.mp3"; got != want {
		t.Errorf("TurnKey = %q, want %q", got, want)
	}
}

package timectrl

import (
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start)

	ch := tc.After(10 * time.Second)
	if tc.Waiters() != 1 {
		t.Fatalf("Waiters() = %d, want 1", tc.Waiters())
	}

	tc.Advance(9 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}

	tc.Advance(time.Second)
	select {
	case got := <-ch:
		if want := start.Add(10 * time.Second); !got.Equal(want) {
			t.Fatalf("timer fired with %v, want %v", got, want)
		}
	default:
		t.Fatalf("timer did not fire at its deadline")
	}
	if tc.Waiters() != 0 {
		t.Fatalf("Waiters() = %d after firing, want 0", tc.Waiters())
	}
}

func TestTimeControllerAfterNonPositive(t *testing.T) {
	tc := NewTimeController(time.Unix(0, 0))
	select {
	case <-tc.After(0):
	default:
		t.Fatalf("After(0) should fire immediately")
	}
}

func TestRealClockIsUTC(t *testing.T) {
	if loc := (RealClock{}).Now().Location(); loc != time.UTC {
		t.Fatalf("RealClock location = %v, want UTC", loc)
	}
}

package settester

import "testing"

func TestThresholdBlendsHitAndMiss(t *testing.T) {
	tester := New(8, 50)
	tester.avgHit = 100
	tester.avgMiss = 1000
	tester.FinishWarmup()

	want := 0.85*100 + 0.15*1000
	if got := tester.Threshold(); got != want {
		t.Fatalf("Threshold() = %v, want %v", got, want)
	}
}

func TestAddRemoveLastRestoresLength(t *testing.T) {
	tester := New(4, 10)
	tester.Add(0x1000)
	tester.Add(0x2000)
	if tester.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", tester.Len())
	}
	tester.RemoveLast()
	if tester.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 after RemoveLast", tester.Len())
	}
}

func TestIsOnSameSetFalseBeforeWarmup(t *testing.T) {
	tester := New(4, 10)
	if tester.IsOnSameSet() {
		t.Fatalf("IsOnSameSet should be false before FinishWarmup")
	}
}

package viewport

import "testing"

func TestResolve_SingleVisiblePage(t *testing.T) {
	got := Resolve(map[int]float64{5: 0.9}, 0)
	if got != 5 {
		t.Errorf("Resolve = %d, want 5", got)
	}
}

func TestResolve_EmptyMap(t *testing.T) {
	if got := Resolve(map[int]float64{}, 0); got != 0 {
		t.Errorf("Resolve on empty map = %d, want 0", got)
	}
	if got := Resolve(nil, 3); got != 0 {
		t.Errorf("Resolve on nil map with current = %d, want 0", got)
	}
}

// A challenger that is only slightly more visible must not steal focus while
// the current page is still reasonably visible.
func TestResolve_HysteresisKeepsCurrent(t *testing.T) {
	ratios := map[int]float64{3: 0.25, 4: 0.30}
	got := Resolve(ratios, 3)
	if got != 3 {
		t.Errorf("Resolve = %d, want 3 (advantage 0.05 below threshold)", got)
	}
}

// Once the current page drops below the sticky floor the leader wins even
// with a small advantage.
func TestResolve_HysteresisOverrideBelowFloor(t *testing.T) {
	ratios := map[int]float64{3: 0.1, 4: 0.15}
	got := Resolve(ratios, 3)
	if got != 4 {
		t.Errorf("Resolve = %d, want 4 (current below 0.2 floor)", got)
	}
}

func TestResolve_LargeAdvantageSwitches(t *testing.T) {
	ratios := map[int]float64{3: 0.3, 4: 0.6}
	got := Resolve(ratios, 3)
	if got != 4 {
		t.Errorf("Resolve = %d, want 4 (advantage 0.3 exceeds threshold)", got)
	}
}

func TestResolve_CurrentStaysLeader(t *testing.T) {
	ratios := map[int]float64{3: 0.8, 4: 0.2}
	got := Resolve(ratios, 3)
	if got != 3 {
		t.Errorf("Resolve = %d, want 3", got)
	}
}

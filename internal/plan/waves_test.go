package plan

import (
	"testing"
)

func TestComputeWaves(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*Task
		want  map[int]int
	}{
		{
			"independent tasks all in wave zero",
			[]*Task{{ID: 1}, {ID: 2}, {ID: 3}},
			map[int]int{1: 0, 2: 0, 3: 0},
		},
		{
			"linear chain",
			[]*Task{
				{ID: 1},
				{ID: 2, DependsOn: []int{1}},
				{ID: 3, DependsOn: []int{2}},
			},
			map[int]int{1: 0, 2: 1, 3: 2},
		},
		{
			"diamond with cross-wave dependency",
			[]*Task{
				{ID: 1},
				{ID: 2, DependsOn: []int{1}},
				{ID: 3},
				{ID: 4, DependsOn: []int{2, 3}},
			},
			map[int]int{1: 0, 2: 1, 3: 0, 4: 2},
		},
		{
			"wave is max of dependency waves plus one",
			[]*Task{
				{ID: 1},
				{ID: 2, DependsOn: []int{1}},
				{ID: 3, DependsOn: []int{1, 2}},
				{ID: 4, DependsOn: []int{1}},
			},
			map[int]int{1: 0, 2: 1, 3: 2, 4: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWaves(tt.tasks)
			if len(got) != len(tt.want) {
				t.Fatalf("ComputeWaves() = %v, want %v", got, tt.want)
			}
			for id, wave := range tt.want {
				if got[id] != wave {
					t.Errorf("Task %d in wave %d, want %d", id, got[id], wave)
				}
			}
		})
	}
}

func TestMaxWave(t *testing.T) {
	if got := MaxWave(map[int]int{}); got != -1 {
		t.Errorf("MaxWave(empty) = %d, want -1", got)
	}
	if got := MaxWave(map[int]int{1: 0, 2: 3, 3: 1}); got != 3 {
		t.Errorf("MaxWave() = %d, want 3", got)
	}
}

// TestFingerprintStability verifies the fingerprint ignores declaration
// order but reacts to content changes.
func TestFingerprintStability(t *testing.T) {
	a := []*Task{
		{ID: 1, Title: "one", Body: "body"},
		{ID: 2, Title: "two", DependsOn: []int{1}},
	}
	b := []*Task{
		{ID: 2, Title: "two", DependsOn: []int{1}},
		{ID: 1, Title: "one", Body: "body"},
	}

	ha, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	hb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if ha != hb {
		t.Errorf("Declaration order changed the fingerprint: %x vs %x", ha, hb)
	}

	a[0].Body = "changed"
	hc, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint() failed: %v", err)
	}
	if hc == ha {
		t.Error("Body change did not change the fingerprint")
	}
}

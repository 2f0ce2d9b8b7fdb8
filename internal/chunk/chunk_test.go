package chunk

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestPlan(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		wantSize int
		want     []string
	}{
		{name: "large document", total: 120, wantSize: 100, want: []string{"1-100", "101-120"}},
		{name: "small document", total: 80, wantSize: 50, want: []string{"1-50", "51-80"}},
		{name: "single page", total: 1, wantSize: 50, want: []string{"1-1"}},
		{name: "threshold is small", total: 100, wantSize: 50, want: []string{"1-50", "51-100"}},
		{name: "just over threshold", total: 101, wantSize: 100, want: []string{"1-100", "101-101"}},
		{name: "exact multiple", total: 300, wantSize: 100, want: []string{"1-100", "101-200", "201-300"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SizeFor(tt.total); got != tt.wantSize {
				t.Errorf("SizeFor(%d) = %d, want %d", tt.total, got, tt.wantSize)
			}
			ranges, err := Plan(tt.total)
			if err != nil {
				t.Fatalf("Plan(%d) error = %v", tt.total, err)
			}
			if got := Strings(ranges); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Plan(%d) = %v, want %v", tt.total, got, tt.want)
			}
		})
	}
}

func TestPlan_CoversEveryPageOnce(t *testing.T) {
	for total := 1; total <= 450; total += 7 {
		ranges, err := Plan(total)
		if err != nil {
			t.Fatalf("Plan(%d) error = %v", total, err)
		}
		next := 1
		for _, r := range ranges {
			if r.Start != next {
				t.Fatalf("Plan(%d): range %s starts at %d, want %d", total, r, r.Start, next)
			}
			next = r.End + 1
		}
		if next != total+1 {
			t.Fatalf("Plan(%d) ends at %d", total, next-1)
		}
	}
}

func TestPlan_InvalidTotal(t *testing.T) {
	for _, total := range []int{0, -5} {
		if _, err := Plan(total); !errors.Is(err, ErrInvalidTotal) {
			t.Errorf("Plan(%d) error = %v, want ErrInvalidTotal", total, err)
		}
	}
}

func TestParseRange(t *testing.T) {
	r, err := ParseRange("51-100")
	if err != nil {
		t.Fatalf("ParseRange() error = %v", err)
	}
	if r != (Range{Start: 51, End: 100}) {
		t.Errorf("ParseRange() = %+v", r)
	}
	if r.Len() != 50 || !r.Contains(75) || r.Contains(101) {
		t.Errorf("range helpers wrong for %s", r)
	}

	for _, bad := range []string{"", "5", "a-b", "10-5", "0-3", "-1-4"} {
		if _, err := ParseRange(bad); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("ParseRange(%q) error = %v, want ErrInvalidRange", bad, err)
		}
	}
}

func TestRange_JSON(t *testing.T) {
	in := []Range{{Start: 1, End: 50}, {Start: 51, End: 80}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `["1-50","51-80"]` {
		t.Errorf("Marshal() = %s", data)
	}
}

func TestRemaining(t *testing.T) {
	plan, _ := Plan(250)
	got := Strings(Remaining(plan, []string{"101-200", "garbage"}))
	want := []string{"1-100", "201-250"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Remaining() = %v, want %v", got, want)
	}
}

func TestSort(t *testing.T) {
	in := []string{"101-200", "bad", "1-100", "201-250"}
	Sort(in)
	want := []string{"1-100", "101-200", "201-250", "bad"}
	if !reflect.DeepEqual(in, want) {
		t.Errorf("Sort() = %v, want %v", in, want)
	}
}

package eligibility

import (
	"reflect"
	"testing"
)

func TestInterestsMatch(t *testing.T) {
	tests := []struct {
		name       string
		interests  []int64
		categories []int64
		want       bool
	}{
		{"overlap", []int64{1, 2, 3}, []int64{3, 4}, true},
		{"no overlap", []int64{1, 2}, []int64{3, 4}, false},
		{"empty interests", nil, []int64{1, 2}, false},
		{"empty categories", []int64{1, 2}, nil, false},
		{"both empty", nil, nil, false},
		{"single shared id", []int64{7}, []int64{7}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InterestsMatch(tt.interests, tt.categories); got != tt.want {
				t.Errorf("InterestsMatch(%v, %v) = %v, want %v", tt.interests, tt.categories, got, tt.want)
			}
		})
	}
}

func TestMatchedCategories_BrandOrder(t *testing.T) {
	interests := []int64{9, 2, 5}
	categories := []int64{5, 3, 2, 9}

	got := MatchedCategories(interests, categories)
	want := []int64{5, 2, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("MatchedCategories() = %v, want %v", got, want)
	}
}

func TestMatchedCategories_Empty(t *testing.T) {
	if got := MatchedCategories(nil, []int64{1}); got != nil {
		t.Errorf("Expected nil for empty interests, got %v", got)
	}
	if got := MatchedCategories([]int64{1}, nil); got != nil {
		t.Errorf("Expected nil for empty categories, got %v", got)
	}
}

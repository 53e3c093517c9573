package core

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateItem(t *testing.T) {
	good := func() *ItemFeature {
		return &ItemFeature{
			ItemID:     "i1",
			Embedding:  []float64{0.1, 0.2, 0.3},
			Category:   "books",
			Popularity: 0.5,
		}
	}
	tests := []struct {
		name    string
		mutate  func(*ItemFeature)
		wantErr bool
	}{
		{"valid", func(*ItemFeature) {}, false},
		{"missing id", func(f *ItemFeature) { f.ItemID = "" }, true},
		{"dimension mismatch", func(f *ItemFeature) { f.Embedding = []float64{1, 2} }, true},
		{"nan embedding", func(f *ItemFeature) { f.Embedding[1] = math.NaN() }, true},
		{"empty category", func(f *ItemFeature) { f.Category = "" }, true},
		{"long category", func(f *ItemFeature) { f.Category = strings.Repeat("x", 101) }, true},
		{"popularity above one", func(f *ItemFeature) { f.Popularity = 1.2 }, true},
		{"popularity nan", func(f *ItemFeature) { f.Popularity = math.NaN() }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := good()
			tt.mutate(f)
			err := ValidateItem(f, 3)
			if tt.wantErr {
				assert.True(t, IsValidation(err), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateAction(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		action  UserAction
		wantErr bool
	}{
		{"valid", UserAction{UserID: "u", ItemID: "i", Action: ActionClick, Timestamp: now}, false},
		{"unknown action", UserAction{UserID: "u", ItemID: "i", Action: ActionType(99), Timestamp: now}, true},
		{"future", UserAction{UserID: "u", ItemID: "i", Action: ActionView, Timestamp: now.Add(2 * time.Hour)}, true},
		{"too old", UserAction{UserID: "u", ItemID: "i", Action: ActionView, Timestamp: now.AddDate(-2, 0, 0)}, true},
		{"missing user", UserAction{ItemID: "i", Action: ActionView, Timestamp: now}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAction(&tt.action, now)
			assert.Equal(t, tt.wantErr, err != nil, "got %v", err)
		})
	}
}

func TestValidateRecommendRequest(t *testing.T) {
	assert.NoError(t, ValidateRecommendRequest(&RecommendRequest{UserID: "u", NumRecommendations: 10}))
	assert.Error(t, ValidateRecommendRequest(&RecommendRequest{UserID: "u", NumRecommendations: 0}))
	assert.Error(t, ValidateRecommendRequest(&RecommendRequest{UserID: "u", NumRecommendations: 1001}))
	assert.Error(t, ValidateRecommendRequest(&RecommendRequest{UserID: "u", NumRecommendations: 5, FilterCategories: []string{""}}))
}

func TestActionType_Text(t *testing.T) {
	b, err := ActionPurchase.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "purchase", string(b))

	var a ActionType
	assert.NoError(t, a.UnmarshalText([]byte("Like")))
	assert.Equal(t, ActionLike, a)
	assert.Equal(t, 0.7, a.Weight())
	assert.Error(t, a.UnmarshalText([]byte("poke")))
}

func TestFilter_Match(t *testing.T) {
	meta := ItemMeta{Category: "books", Tags: []string{"sale", "new"}}
	assert.True(t, (*Filter)(nil).Match("i", meta))
	assert.True(t, (&Filter{Categories: []string{"books", "music"}}).Match("i", meta))
	assert.False(t, (&Filter{Categories: []string{"music"}}).Match("i", meta))
	assert.True(t, (&Filter{Tags: []string{"old", "new"}}).Match("i", meta))
	assert.False(t, (&Filter{Tags: []string{"old"}}).Match("i", meta))
	assert.False(t, (&Filter{Predicate: func(string, ItemMeta) bool { return false }}).Match("i", meta))
}

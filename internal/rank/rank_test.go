package rank

import (
	"math"
	"testing"
	"time"
)

func TestLexicalScoreSubstring(t *testing.T) {
	// Whole-query substring match scores at least 0.5.
	score := LexicalScore("timeout", "Connection timeout fix", "", "raised the dial timeout to 30s")
	if score < 0.5 {
		t.Errorf("expected substring match >= 0.5, got %f", score)
	}
	if score > 1.0 {
		t.Errorf("score exceeds 1.0: %f", score)
	}
}

func TestLexicalScoreWordFraction(t *testing.T) {
	// "database timeout nonsense": two of three words present.
	score := LexicalScore("database timeout zzzqqq", "database layer", "", "added a dial timeout")
	want := 2.0 / 3.0
	if math.Abs(score-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, score)
	}
}

func TestLexicalScoreEmptyQuery(t *testing.T) {
	if got := LexicalScore("", "title", "", "text"); got != 0 {
		t.Errorf("empty query should score 0, got %f", got)
	}
	if got := LexicalScore("   ", "title", "", "text"); got != 0 {
		t.Errorf("whitespace query should score 0, got %f", got)
	}
}

func TestLexicalScoreShortWordsIgnored(t *testing.T) {
	// Single-char words do not count toward the word fraction.
	if got := LexicalScore("a b", "anything", "", "body"); got != 0 {
		t.Errorf("expected 0 for all-short-word query, got %f", got)
	}
}

func TestTagBoost(t *testing.T) {
	got := TagBoostScore("sqlite migration", []string{"sqlite", "testing", "migrations"})
	want := 2.0 / 3.0
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("expected %f, got %f", want, got)
	}
	if got := TagBoostScore("sqlite", nil); got != 0 {
		t.Errorf("no tags should score 0, got %f", got)
	}
}

func TestRecencyMinMax(t *testing.T) {
	now := time.Now().UnixMilli()
	cands := []Candidate{
		{ID: 1, CreatedAtMs: now - 2000},
		{ID: 2, CreatedAtMs: now - 1000},
		{ID: 3, CreatedAtMs: now},
	}
	got := recencyScores(cands)
	want := []float64{0, 0.5, 1.0}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("recency[%d]: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestRecencyAllEqual(t *testing.T) {
	now := time.Now().UnixMilli()
	cands := []Candidate{{ID: 1, CreatedAtMs: now}, {ID: 2, CreatedAtMs: now}}
	for i, s := range recencyScores(cands) {
		if s != 0.5 {
			t.Errorf("recency[%d]: expected 0.5 for equal timestamps, got %f", i, s)
		}
	}
}

func TestAgeBucketScore(t *testing.T) {
	now := time.Now().UnixMilli()
	hour := int64(60 * 60 * 1000)
	day := 24 * hour
	cases := []struct {
		age  int64
		want float64
	}{
		{hour, 1.0},
		{3 * day, 0.8},
		{20 * day, 0.5},
		{60 * day, 0.3},
		{200 * day, 0.1},
	}
	for _, tc := range cases {
		if got := AgeBucketScore(now-tc.age, now); got != tc.want {
			t.Errorf("age %dms: expected %f, got %f", tc.age, tc.want, got)
		}
	}
}

func TestRankOrderingAndTies(t *testing.T) {
	now := time.Now().UnixMilli()
	r := New(DefaultWeights)

	cands := []Candidate{
		{ID: 1, Title: "unrelated note", Text: "nothing here", CreatedAtMs: now - 5000},
		{ID: 2, Title: "timeout fix", Text: "raised the timeout", CreatedAtMs: now - 1000},
		{ID: 3, Title: "timeout fix", Text: "raised the timeout", CreatedAtMs: now - 1000},
	}
	out := r.Rank("timeout", cands, nil)
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	// Relevant results first.
	if out[2].ID != 1 {
		t.Errorf("expected unrelated candidate last, got id %d", out[2].ID)
	}
	// Tie between 2 and 3 (identical text and timestamp) breaks on higher id.
	if out[0].ID != 3 || out[1].ID != 2 {
		t.Errorf("expected tie broken by id desc (3 before 2), got %d, %d", out[0].ID, out[1].ID)
	}
}

func TestRankSemanticContribution(t *testing.T) {
	now := time.Now().UnixMilli()
	r := New(DefaultWeights)

	cands := []Candidate{
		{ID: 1, Title: "one", Text: "alpha", CreatedAtMs: now},
		{ID: 2, Title: "two", Text: "beta", CreatedAtMs: now},
	}
	out := r.Rank("gamma", cands, map[int64]float64{2: 0.9})
	if out[0].ID != 2 {
		t.Errorf("expected semantic score to promote id 2, got %d", out[0].ID)
	}
	if out[0].Scores.Semantic != 0.9 {
		t.Errorf("expected semantic component 0.9, got %f", out[0].Scores.Semantic)
	}
	if out[1].Scores.Semantic != 0 {
		t.Errorf("missing semantic entry should score 0, got %f", out[1].Scores.Semantic)
	}
}

func TestRankSemanticClamped(t *testing.T) {
	now := time.Now().UnixMilli()
	r := New(DefaultWeights)
	out := r.Rank("x", []Candidate{{ID: 1, CreatedAtMs: now}}, map[int64]float64{1: 1.7})
	if out[0].Scores.Semantic != 1.0 {
		t.Errorf("expected semantic clamped to 1.0, got %f", out[0].Scores.Semantic)
	}
}

func TestRankEmptyInput(t *testing.T) {
	r := New(Weights{})
	if out := r.Rank("query", nil, nil); out != nil {
		t.Errorf("expected nil for empty candidates, got %v", out)
	}
}

func TestNewZeroWeightsDefaults(t *testing.T) {
	r := New(Weights{})
	if r.w != DefaultWeights {
		t.Errorf("zero-value weights should fall back to defaults, got %+v", r.w)
	}
}

package features

import (
	"math"
	"testing"

	"pitwatch/pkg/models"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPearsonCorrelation(t *testing.T) {
	a := []float64{1, 2, 3, 4, 5}
	b := []float64{2, 4, 6, 8, 10}
	if got := PearsonCorrelation(a, b); !almostEqual(got, 1) {
		t.Fatalf("proportional series: got %v want 1", got)
	}

	down := []float64{10, 8, 6, 4, 2}
	if got := PearsonCorrelation(a, down); !almostEqual(got, -1) {
		t.Fatalf("inverted series: got %v want -1", got)
	}

	if got, rev := PearsonCorrelation(a, b), PearsonCorrelation(b, a); !almostEqual(got, rev) {
		t.Fatalf("correlation not symmetric: %v vs %v", got, rev)
	}

	if got := PearsonCorrelation(a, []float64{1, 2}); got != 0 {
		t.Fatalf("mismatched lengths: got %v want 0", got)
	}
	if got := PearsonCorrelation(nil, nil); got != 0 {
		t.Fatalf("empty series: got %v want 0", got)
	}
	if got := PearsonCorrelation(a, []float64{3, 3, 3, 3, 3}); got != 0 {
		t.Fatalf("constant series: got %v want 0", got)
	}
}

func TestInverseDiffSimilarity(t *testing.T) {
	a := []float64{100, 200, 300}
	if got := InverseDiffSimilarity(a, a); !almostEqual(got, 1) {
		t.Fatalf("identical series: got %v want 1", got)
	}

	b := []float64{101, 201, 301}
	if got := InverseDiffSimilarity(a, b); !almostEqual(got, 0.5) {
		t.Fatalf("mean diff 1: got %v want 0.5", got)
	}

	far := []float64{1000, 2000, 3000}
	if close, distant := InverseDiffSimilarity(a, b), InverseDiffSimilarity(a, far); close <= distant {
		t.Fatalf("similarity not monotone: close=%v distant=%v", close, distant)
	}

	if got := InverseDiffSimilarity(a, []float64{1}); got != 0 {
		t.Fatalf("mismatched lengths: got %v want 0", got)
	}
	if got := InverseDiffSimilarity(nil, nil); got != 0 {
		t.Fatalf("empty series: got %v want 0", got)
	}
}

func TestChipDumpScore(t *testing.T) {
	drain := []models.Transfer{
		{From: "a", To: "b", Amount: 100},
		{From: "a", To: "b", Amount: 50},
	}
	if got := ChipDumpScore(drain); !almostEqual(got, 0.5) {
		t.Fatalf("one-directional drain: got %v want 0.5", got)
	}

	balanced := []models.Transfer{
		{From: "a", To: "b", Amount: 100},
		{From: "b", To: "a", Amount: 100},
	}
	if got := ChipDumpScore(balanced); got != 0 {
		t.Fatalf("net-zero transfers: got %v want 0", got)
	}

	if got := ChipDumpScore(nil); got != 0 {
		t.Fatalf("no transfers: got %v want 0", got)
	}

	spread := []models.Transfer{
		{From: "a", To: "b", Amount: 100},
		{From: "a", To: "c", Amount: 10},
		{From: "c", To: "b", Amount: 5},
	}
	if got := ChipDumpScore(spread); got <= 0 || got >= 1 {
		t.Fatalf("mixed transfers: got %v want in (0,1)", got)
	}
}

func TestClusterBySharedValues(t *testing.T) {
	clusters := ClusterBySharedValues(map[string][]string{
		"u1": {"dev-a", "dev-b"},
		"u2": {"dev-a"},
		"u3": {"dev-c"},
	})
	if len(clusters) != 1 {
		t.Fatalf("expected one shared cluster, got %d", len(clusters))
	}
	members, ok := clusters["dev-a"]
	if !ok {
		t.Fatalf("missing dev-a cluster")
	}
	if len(members) != 2 || members[0] != "u1" || members[1] != "u2" {
		t.Fatalf("unexpected members %v", members)
	}
}

func TestSharedIPGroups(t *testing.T) {
	records := []models.PresenceRecord{
		{UserID: "u1", IP: "10.0.0.1"},
		{UserID: "u2", IP: "10.0.0.1"},
		{UserID: "u1", IP: "10.0.0.1"},
		{UserID: "u3", IP: "10.0.0.2"},
	}
	groups := SharedIPGroups(records)
	if len(groups) != 1 {
		t.Fatalf("expected one shared IP, got %d", len(groups))
	}
	if groups[0].IP != "10.0.0.1" || len(groups[0].Players) != 2 {
		t.Fatalf("unexpected group %+v", groups[0])
	}
}

func TestSynchronizedBets(t *testing.T) {
	events := []models.BetEvent{
		{HandID: "h1", PlayerID: "u1", TimeMs: 1000},
		{HandID: "h1", PlayerID: "u2", TimeMs: 1150},
		{HandID: "h2", PlayerID: "u1", TimeMs: 2000},
		{HandID: "h2", PlayerID: "u2", TimeMs: 2900},
		{HandID: "h3", PlayerID: "u1", TimeMs: 5000},
	}
	hands := SynchronizedBets(events, 200)
	if len(hands) != 1 {
		t.Fatalf("expected one synchronized hand, got %d", len(hands))
	}
	if hands[0].HandID != "h1" || len(hands[0].Players) != 2 {
		t.Fatalf("unexpected hand %+v", hands[0])
	}
}

func TestTimeCorrelatedBetting(t *testing.T) {
	a := []float64{1000, 5000, 9000}
	b := []float64{1500, 5500, 20000}
	if got := TimeCorrelatedBetting(a, b, 1000); !almostEqual(got, 2.0/3.0) {
		t.Fatalf("got %v want 2/3", got)
	}
	if got := TimeCorrelatedBetting(nil, b, 1000); got != 0 {
		t.Fatalf("empty series: got %v want 0", got)
	}
	if got := TimeCorrelatedBetting(a, a, 1000); !almostEqual(got, 1) {
		t.Fatalf("identical series: got %v want 1", got)
	}
}

func TestHasFastGaps(t *testing.T) {
	if !HasFastGaps([]int64{1000, 1050, 2000}, 100) {
		t.Fatalf("expected fast gap at 50ms")
	}
	if HasFastGaps([]int64{1000, 2000, 3000}, 100) {
		t.Fatalf("unexpected fast gap in spaced series")
	}
	if HasFastGaps([]int64{1000}, 100) {
		t.Fatalf("single sample cannot have a gap")
	}
}

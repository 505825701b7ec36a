// Package features holds the pure statistical primitives behind collusion
// detection. Nothing in this package touches storage or mutates its inputs.
package features

import (
	"math"
	"sort"

	"pitwatch/pkg/models"
)

// PearsonCorrelation returns the Pearson correlation coefficient of two
// equal-length series. It returns 0 when the lengths differ, either series
// is empty, or either variance is zero.
func PearsonCorrelation(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	n := float64(len(a))
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= n
	meanB /= n

	var num, denomA, denomB float64
	for i := range a {
		da := a[i] - meanA
		db := b[i] - meanB
		num += da * db
		denomA += da * da
		denomB += db * db
	}
	if denomA == 0 || denomB == 0 {
		return 0
	}
	return num / math.Sqrt(denomA*denomB)
}

// InverseDiffSimilarity maps the mean absolute difference of two paired
// series to a bounded (0,1] score via 1/(1+meanAbsDiff). It returns 0 when
// the lengths differ or the input is empty. Both timing similarity and seat
// proximity use this primitive; callers choose the series source.
func InverseDiffSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var diff float64
	for i := range a {
		diff += math.Abs(a[i] - b[i])
	}
	return 1 / (1 + diff/float64(len(a)))
}

// ChipDumpScore computes the net balance delta per account across the given
// transfers and returns max(|delta|)/sum(|delta|). A score near 1 means
// value flowed one-directionally between a small set of accounts. Returns 0
// when the total imbalance is zero.
func ChipDumpScore(transfers []models.Transfer) float64 {
	balances := make(map[string]float64, len(transfers)*2)
	for _, t := range transfers {
		balances[t.From] -= t.Amount
		balances[t.To] += t.Amount
	}
	var total, maxImbalance float64
	for _, b := range balances {
		v := math.Abs(b)
		total += v
		if v > maxImbalance {
			maxImbalance = v
		}
	}
	if total == 0 {
		return 0
	}
	return maxImbalance / total
}

// ClusterBySharedValues builds value -> users maps from per-user value lists
// and keeps only values shared by at least two users. Member lists are
// sorted for deterministic output.
func ClusterBySharedValues(userValues map[string][]string) map[string][]string {
	groups := make(map[string]map[string]struct{})
	for user, values := range userValues {
		for _, value := range values {
			if groups[value] == nil {
				groups[value] = make(map[string]struct{})
			}
			groups[value][user] = struct{}{}
		}
	}

	out := make(map[string][]string)
	for value, users := range groups {
		if len(users) < 2 {
			continue
		}
		members := make([]string, 0, len(users))
		for u := range users {
			members = append(members, u)
		}
		sort.Strings(members)
		out[value] = members
	}
	return out
}

// SharedIPGroup names one network address used by more than one player.
type SharedIPGroup struct {
	IP      string   `json:"ip"`
	Players []string `json:"players"`
}

// SharedIPGroups returns every IP observed for two or more distinct players.
func SharedIPGroups(records []models.PresenceRecord) []SharedIPGroup {
	byIP := make(map[string]map[string]struct{})
	for _, r := range records {
		if byIP[r.IP] == nil {
			byIP[r.IP] = make(map[string]struct{})
		}
		byIP[r.IP][r.UserID] = struct{}{}
	}

	ips := make([]string, 0, len(byIP))
	for ip, players := range byIP {
		if len(players) > 1 {
			ips = append(ips, ip)
		}
	}
	sort.Strings(ips)

	out := make([]SharedIPGroup, 0, len(ips))
	for _, ip := range ips {
		players := make([]string, 0, len(byIP[ip]))
		for p := range byIP[ip] {
			players = append(players, p)
		}
		sort.Strings(players)
		out = append(out, SharedIPGroup{IP: ip, Players: players})
	}
	return out
}

// SynchronizedHand names one hand whose bets all landed inside the window.
type SynchronizedHand struct {
	HandID  string   `json:"handId"`
	Players []string `json:"players"`
}

// SynchronizedBets groups bet events by hand and reports hands where every
// bet landed within windowMs of the first, a signature of scripted play.
func SynchronizedBets(events []models.BetEvent, windowMs int64) []SynchronizedHand {
	byHand := make(map[string][]models.BetEvent)
	for _, e := range events {
		byHand[e.HandID] = append(byHand[e.HandID], e)
	}

	hands := make([]string, 0, len(byHand))
	for h := range byHand {
		hands = append(hands, h)
	}
	sort.Strings(hands)

	var out []SynchronizedHand
	for _, handID := range hands {
		list := byHand[handID]
		if len(list) < 2 {
			continue
		}
		minT, maxT := list[0].TimeMs, list[0].TimeMs
		for _, e := range list[1:] {
			if e.TimeMs < minT {
				minT = e.TimeMs
			}
			if e.TimeMs > maxT {
				maxT = e.TimeMs
			}
		}
		if maxT-minT > windowMs {
			continue
		}
		players := make([]string, 0, len(list))
		for _, e := range list {
			players = append(players, e.PlayerID)
		}
		out = append(out, SynchronizedHand{HandID: handID, Players: players})
	}
	return out
}

// TimeCorrelatedBetting returns the fraction of one user's action times that
// have a counterpart from the other user within windowMs, relative to the
// longer series. Returns 0 when either series is empty.
func TimeCorrelatedBetting(timesA, timesB []float64, windowMs float64) float64 {
	if len(timesA) == 0 || len(timesB) == 0 {
		return 0
	}
	matches := 0
	for _, ta := range timesA {
		for _, tb := range timesB {
			if math.Abs(ta-tb) <= windowMs {
				matches++
				break
			}
		}
	}
	longer := len(timesA)
	if len(timesB) > longer {
		longer = len(timesB)
	}
	return float64(matches) / float64(longer)
}

// HasFastGaps reports whether any two chronologically adjacent timestamps in
// the (already ordered) series differ by less than thresholdMs.
func HasFastGaps(timesMs []int64, thresholdMs int64) bool {
	for i := 1; i < len(timesMs); i++ {
		if timesMs[i]-timesMs[i-1] < thresholdMs {
			return true
		}
	}
	return false
}

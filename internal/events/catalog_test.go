package events

import "testing"

func samplePayloads() map[string]map[string]any {
	const (
		u1 = "00000000-0000-4000-8000-000000000001"
		u2 = "00000000-0000-4000-8000-000000000002"
	)
	return map[string]map[string]any{
		"hand.start":           {"handId": u1, "players": []any{u2}},
		"hand.end":             {"handId": u1, "winners": []any{u2}},
		"hand.settle":          {"handId": u1, "playerIds": []any{u2}, "deltas": []any{12.5}},
		"action.bet":           {"handId": u1, "playerId": u2, "amount": 10},
		"action.call":          {"handId": u1, "playerId": u2, "amount": 10},
		"action.fold":          {"handId": u1, "playerId": u2},
		"wallet.credit":        {"accountId": u1, "amount": 100, "refType": "deposit", "refId": "1", "currency": "USD"},
		"wallet.debit":         {"accountId": u1, "amount": 50, "refType": "ref", "refId": "2", "currency": "USD"},
		"wallet.reserve":       {"accountId": u1, "amount": 75, "refId": "3", "currency": "USD"},
		"wallet.commit":        {"refId": "3", "amount": 75, "rake": 5, "currency": "USD"},
		"wallet.rollback":      {"accountId": u1, "amount": 75, "refId": "3", "currency": "USD"},
		"tournament.register":  {"tournamentId": u1, "playerId": u2},
		"tournament.eliminate": {"tournamentId": u1, "playerId": u2, "position": 1, "payout": 1000},
		"tournament.cancel":    {"tournamentId": u1},
		"auth.login":           {"userId": u1, "ts": 1700000000000},
		"antiCheat.flag":       {"sessionId": "s1", "users": []any{u1, u2}, "features": map[string]any{}},
	}
}

func TestCatalogIsExhaustive(t *testing.T) {
	samples := samplePayloads()
	for _, k := range Kinds() {
		if k.Topic == "" {
			t.Fatalf("kind %s has no topic", k.Name)
		}
		sample, ok := samples[k.Name]
		if !ok {
			t.Fatalf("no sample payload for %s", k.Name)
		}
		if err := Validate(k.Name, sample); err != nil {
			t.Fatalf("sample payload for %s failed validation: %v", k.Name, err)
		}
	}
	if len(samples) != len(Kinds()) {
		t.Fatalf("sample count %d does not match catalog size %d", len(samples), len(Kinds()))
	}
}

func TestTopicMapping(t *testing.T) {
	cases := map[string]string{
		"hand.start":           TopicHand,
		"action.bet":           TopicHand,
		"wallet.credit":        TopicWallet,
		"tournament.register":  TopicTourney,
		"auth.login":           TopicAuth,
		"antiCheat.flag":       TopicAuth,
		"tournament.eliminate": TopicTourney,
	}
	for name, want := range cases {
		k, ok := Lookup(name)
		if !ok {
			t.Fatalf("missing kind %s", name)
		}
		if k.Topic != want {
			t.Fatalf("topic for %s: got %s want %s", name, k.Topic, want)
		}
	}
	if _, ok := TopicFor("chat"); ok {
		t.Fatalf("unexpected topic for unmapped family")
	}
}

func TestValidateRejectsBadPayloads(t *testing.T) {
	if err := Validate("nosuch.event", map[string]any{}); err == nil {
		t.Fatalf("expected error for unknown event")
	}
	if err := Validate("hand.start", map[string]any{"players": []any{"not-a-uuid"}}); err == nil {
		t.Fatalf("expected error for missing handId")
	}
	if err := Validate("wallet.credit", map[string]any{"accountId": "nope", "amount": 1, "refType": "r", "refId": "1", "currency": "USD"}); err == nil {
		t.Fatalf("expected error for malformed accountId")
	}
	if err := Validate("antiCheat.flag", map[string]any{"features": map[string]any{}}); err == nil {
		t.Fatalf("expected error for flag without sessionId or accountId")
	}
}

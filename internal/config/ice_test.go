package config

import "testing"

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls":"stun:stun.l.google.com:19302"},
		{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.l.google.com:19302" {
		t.Fatalf("unexpected stun url %q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" || servers[1].Credential != "c" {
		t.Fatalf("unexpected turn credentials: %#v", servers[1])
	}
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "stun:host"},
		{"empty urls", `[{"urls":[]}]`},
		{"bad scheme", `[{"urls":"http://example.com"}]`},
		{"turn without username", `[{"urls":"turn:turn.example.com","credential":"c"}]`},
		{"turn without credential", `[{"urls":"turn:turn.example.com","username":"u"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseICEServersJSON(tt.raw); err == nil {
				t.Fatalf("expected error for %q", tt.raw)
			}
		})
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := parseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:turn.example.com:3478",
		"user",
		"pass",
	)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("expected 2 stun urls, got %v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn username = %q", servers[1].Username)
	}
}

func TestParseICEServersFromEnv_JSONTakesPrecedence(t *testing.T) {
	lookup := lookupFrom(map[string]string{
		"PEERCALL_ICE_SERVERS_JSON": `[{"urls":"stun:json.example.com"}]`,
		"PEERCALL_STUN_URLS":        "stun:convenience.example.com",
	})

	servers, err := parseICEServersFromEnv(lookup)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 1 || servers[0].URLs[0] != "stun:json.example.com" {
		t.Fatalf("expected json config to win, got %#v", servers)
	}
}

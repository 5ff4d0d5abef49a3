package recipients

import (
	"errors"
	"reflect"
	"testing"
)

func TestQualify(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "formatted phone number", raw: "+1 (555) 010-2030", want: "15550102030@s.whatsapp.net"},
		{name: "dotted number", raw: "44.20.7946.0018", want: "442079460018@s.whatsapp.net"},
		{name: "already qualified", raw: "15550102030@s.whatsapp.net", want: "15550102030@s.whatsapp.net"},
		{name: "legacy server rewritten", raw: "15550102030@c.us", want: "15550102030@s.whatsapp.net"},
		{name: "device suffix kept", raw: "15550102030:2@s.whatsapp.net", want: "15550102030:2@s.whatsapp.net"},
		{name: "too short", raw: "12345", wantErr: true},
		{name: "too long", raw: "1234567890123456", wantErr: true},
		{name: "letters", raw: "555-CALL-NOW", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "missing server", raw: "15550102030@", wantErr: true},
		{name: "group identifier kept verbatim", raw: "120363041234567890-1234@g.us", want: "120363041234567890-1234@g.us"},
		{name: "qualified user not reformatted", raw: "+15550102030@s.whatsapp.net", wantErr: true},
		{name: "empty user", raw: "@g.us", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Qualify(tt.raw, "s.whatsapp.net")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Qualify(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Qualify(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	src := Sources{
		Owner:    "15550000001",
		Contacts: []string{"15550000002", "15550000003", "15550000004@c.us"},
		Lists: map[string][]string{
			"family": {"15550000003", "15550000005"},
		},
	}

	tests := []struct {
		name        string
		spec        Spec
		want        []string
		wantDropped int
		wantErr     error
	}{
		{
			name: "explicit recipients dedup preserving first occurrence",
			spec: Spec{Recipients: []string{"+1 555 000 0009", "15550000008", "15550000009@s.whatsapp.net"}},
			want: []string{"15550000009@s.whatsapp.net", "15550000008@s.whatsapp.net"},
		},
		{
			name: "explicit then list then contacts then owner",
			spec: Spec{
				Recipients:       []string{"15550000004"},
				List:             "family",
				AllContacts:      true,
				IncludeOwnDevice: true,
			},
			want: []string{
				"15550000004@s.whatsapp.net",
				"15550000003@s.whatsapp.net",
				"15550000005@s.whatsapp.net",
				"15550000002@s.whatsapp.net",
				"15550000001@s.whatsapp.net",
			},
		},
		{
			name:        "malformed entries dropped and counted",
			spec:        Spec{Recipients: []string{"bogus", "15550000002", "12"}},
			want:        []string{"15550000002@s.whatsapp.net"},
			wantDropped: 2,
		},
		{
			name:    "unknown list",
			spec:    Spec{List: "coworkers"},
			wantErr: ErrUnknownList,
		},
		{
			name:        "nothing deliverable",
			spec:        Spec{Recipients: []string{"nope"}},
			wantErr:     ErrValidation,
			wantDropped: 1,
		},
		{
			name:    "empty spec",
			spec:    Spec{},
			wantErr: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Normalize(tt.spec, src)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Normalize() error = %v, want %v", err, tt.wantErr)
				}
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Normalize() error %v should wrap ErrValidation", err)
				}
			} else if err != nil {
				t.Fatalf("Normalize() unexpected error: %v", err)
			}

			if tt.want != nil && !reflect.DeepEqual(res.Recipients, tt.want) {
				t.Errorf("Normalize() recipients = %v, want %v", res.Recipients, tt.want)
			}
			if len(res.Dropped) != tt.wantDropped {
				t.Errorf("Normalize() dropped = %v, want %d entries", res.Dropped, tt.wantDropped)
			}
		})
	}
}

func TestNormalize_NoDuplicates(t *testing.T) {
	spec := Spec{
		Recipients:  []string{"15550000002", "+1-555-000-0002", "15550000002@c.us", "15550000003"},
		AllContacts: true,
	}
	src := Sources{Contacts: []string{"15550000003", "15550000002", "15550000004"}}

	res, err := Normalize(spec, src)
	if err != nil {
		t.Fatal(err)
	}

	seen := make(map[string]bool)
	for _, r := range res.Recipients {
		if seen[r] {
			t.Errorf("duplicate recipient %q in %v", r, res.Recipients)
		}
		seen[r] = true
	}
	if len(res.Recipients) != 3 {
		t.Errorf("len(recipients) = %d, want 3", len(res.Recipients))
	}
}

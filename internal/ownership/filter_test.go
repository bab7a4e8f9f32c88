package ownership

import (
	"testing"

	"haulnotify/internal/alert"
)

func TestIsSelf(t *testing.T) {
	t.Parallel()
	me := alert.Identity{ID: "64f0c0ffee", UserID: "u1", EmpID: "E-77"}
	tests := []struct {
		name string
		ev   alert.Event
		want bool
	}{
		{name: "object id alias", ev: alert.Event{SenderID: "64f0c0ffee"}, want: true},
		{name: "user id alias", ev: alert.Event{SenderID: "u1"}, want: true},
		{name: "employee alias with padding", ev: alert.Event{SenderID: " E-77 "}, want: true},
		{name: "other sender", ev: alert.Event{SenderID: "u2"}, want: false},
		{name: "unknown sender", ev: alert.Event{}, want: false},
		{name: "own marker without sender", ev: alert.Event{Own: true}, want: true},
		{name: "own marker overrides foreign id", ev: alert.Event{SenderID: "u2", Own: true}, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSelf(tt.ev, me); got != tt.want {
				t.Fatalf("IsSelf(%+v) = %v, want %v", tt.ev, got, tt.want)
			}
		})
	}
}

func TestIsSelfIgnoresEmptyAliases(t *testing.T) {
	t.Parallel()
	f := NewFilter(alert.Identity{UserID: "u1"})
	if f.IsSelf(alert.Event{SenderID: ""}) {
		t.Fatal("empty sender must never match")
	}
	var nilFilter *Filter
	if nilFilter.IsSelf(alert.Event{SenderID: "u1"}) {
		t.Fatal("nil filter must not match")
	}
}

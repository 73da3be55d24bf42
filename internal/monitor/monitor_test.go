package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGaugesAppearInMetricsOutput(t *testing.T) {
	r := NewRegistry()
	r.OpenRooms.Set(3)
	r.LiveRooms.Set(2)
	r.RoomCap.Set(1000)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{"ddathome_open_rooms 3", "ddathome_live_rooms 2", "ddathome_room_cap 1000"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestIndependentRegistriesDoNotCollide(t *testing.T) {
	_ = NewRegistry()
	_ = NewRegistry() // would panic on duplicate collector registration if sharing the default registerer
}

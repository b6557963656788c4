package egress

import (
	"testing"

	"github.com/pgflux/pgflux/internal/walstream"
)

func TestParseQualifiedName(t *testing.T) {
	cases := []struct {
		in   string
		want walstream.TableID
	}{
		{"pgflux_internal.ddl_history", walstream.TableID{Schema: "pgflux_internal", Name: "ddl_history"}},
		{"ddl_history", walstream.TableID{Schema: "public", Name: "ddl_history"}},
	}
	for _, c := range cases {
		if got := parseQualifiedName(c.in); got != c.want {
			t.Errorf("parseQualifiedName(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

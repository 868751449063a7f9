package incident_test

import (
	"testing"

	"github.com/namansh70747/sentinel/internal/incident"
	"github.com/namansh70747/sentinel/internal/incident/incidenttest"
)

func TestMemoryStore(t *testing.T) {
	incidenttest.RunStoreSuite(t, func(*testing.T) incident.Store {
		return incident.NewMemoryStore()
	})
}

// Package ledger manages the lifecycle of ledgers: creation, metadata
// resolution from the genesis marker, resets and removal.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/evently-hq/evently/internal/event"
	"github.com/evently-hq/evently/internal/eventid"
)

// Ledger is the resource view rebuilt from a ledger's genesis marker.
type Ledger struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Genesis     string    `json:"genesis"`
	CreatedAt   time.Time `json:"createdAt"`
}

// genesisData is the payload create_ledger stores on the genesis marker.
type genesisData struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// fromGenesis rebuilds the ledger view from its genesis marker event.
func fromGenesis(id string, ev event.Persisted) (*Ledger, error) {
	var data genesisData
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return nil, err
		}
	}
	return &Ledger{
		ID:          id,
		Name:        data.Name,
		Description: data.Description,
		Genesis:     ev.EventID,
		CreatedAt:   ev.Timestamp,
	}, nil
}

// GenesisID parses the ledger's genesis event id.
func (l *Ledger) GenesisID() (eventid.ID, error) {
	return eventid.Parse(l.Genesis)
}

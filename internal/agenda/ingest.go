package agenda

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/dukerupert/agendaweek/internal/model"
)

// Prepare turns a raw batch into rows for the raw event store. Records are
// kept verbatim; only the identity and start needed for range queries are
// resolved here. Records without a parsable start are skipped.
//
// Records carrying an id are stored under it. Id-less records are stored
// under a digest of their payload: the display id derived from date and
// title is not unique enough to key a row on.
func (n *Normalizer) Prepare(source, batchID string, raw []model.RawEvent, fetchedAt time.Time) ([]model.StoredEvent, int) {
	events := make([]model.StoredEvent, 0, len(raw))
	skipped := 0

	for _, r := range raw {
		item, ok := n.Item(r)
		if !ok {
			skipped++
			continue
		}
		payload, err := json.Marshal(r)
		if err != nil {
			n.logger.Warn("skipping unencodable record", "id", item.ID, "error", err)
			skipped++
			continue
		}
		events = append(events, model.StoredEvent{
			Source:     source,
			ExternalID: storageKey(r, payload),
			Payload:    string(payload),
			StartsAt:   item.Start.UTC(),
			Recurring:  item.Recurrence != "",
			BatchID:    batchID,
			FetchedAt:  fetchedAt.UTC(),
		})
	}
	return events, skipped
}

func storageKey(r model.RawEvent, payload []byte) string {
	if id := firstString(r, idKeys); id != "" {
		return id
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

// Records decodes stored payloads back into raw records. Rows that no longer
// decode are skipped.
func (n *Normalizer) Records(events []model.StoredEvent) []model.RawEvent {
	raw := make([]model.RawEvent, 0, len(events))
	for _, e := range events {
		batch, _, err := DecodeBatch([]byte("[" + e.Payload + "]"))
		if err != nil || len(batch) != 1 {
			n.logger.Warn("skipping undecodable stored record", "id", e.ExternalID, "source", e.Source)
			continue
		}
		raw = append(raw, batch[0])
	}
	return raw
}

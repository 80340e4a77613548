package memory

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/stellarlinkco/clawpool/internal/errs"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// maxNearest is the Firestore cap on FindNearest results.
const maxNearest = 1000

type firestoreRecord struct {
	ID             string             `firestore:"id"`
	AgentID        string             `firestore:"agent_id"`
	Content        string             `firestore:"content"`
	Metadata       map[string]string  `firestore:"metadata,omitempty"`
	Embedding      firestore.Vector32 `firestore:"embedding"`
	Importance     float64            `firestore:"importance"`
	CreatedAt      time.Time          `firestore:"created_at"`
	UpdatedAt      time.Time          `firestore:"updated_at"`
	VectorDistance float64            `firestore:"vector_distance,omitempty"`
}

func (r firestoreRecord) record() Record {
	return Record{
		ID:         r.ID,
		AgentID:    r.AgentID,
		Content:    r.Content,
		Metadata:   r.Metadata,
		Embedding:  []float32(r.Embedding),
		Importance: r.Importance,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

// FirestoreStore keeps memories in one Firestore collection and relies on a
// vector index over the embedding field for Nearest.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

func NewFirestoreStore(ctx context.Context, projectID, databaseID, collection string) (*FirestoreStore, error) {
	if projectID == "" {
		return nil, goerr.Wrap(errs.ErrValidation, "firestore project id is required")
	}
	if databaseID == "" {
		databaseID = firestore.DefaultDatabaseID
	}
	if collection == "" {
		collection = "agent_memories"
	}

	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "create firestore client",
			goerr.V("project_id", projectID), goerr.V("database_id", databaseID))
	}
	return &FirestoreStore{client: client, collection: collection}, nil
}

func (s *FirestoreStore) col() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}

func (s *FirestoreStore) Insert(ctx context.Context, rec Record) error {
	doc := firestoreRecord{
		ID:         rec.ID,
		AgentID:    rec.AgentID,
		Content:    rec.Content,
		Metadata:   copyMetadata(rec.Metadata),
		Embedding:  firestore.Vector32(rec.Embedding),
		Importance: rec.Importance,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if _, err := s.col().Doc(rec.ID).Create(ctx, doc); err != nil {
		return goerr.Wrap(err, "create memory document", goerr.V("id", rec.ID), goerr.V("agent_id", rec.AgentID))
	}
	return nil
}

func (s *FirestoreStore) Recent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	q := s.col().Where("agent_id", "==", agentID).OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.query(q.Documents(ctx), "query recent memories")
}

func (s *FirestoreStore) Important(ctx context.Context, agentID string, min float64, limit int) ([]Record, error) {
	q := s.col().
		Where("agent_id", "==", agentID).
		Where("importance", ">=", min).
		OrderBy("importance", firestore.Desc).
		OrderBy("created_at", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.query(q.Documents(ctx), "query important memories")
}

func (s *FirestoreStore) Nearest(ctx context.Context, agentID string, query []float32, limit int) ([]ScoredRecord, error) {
	if limit <= 0 || limit > maxNearest {
		limit = maxNearest
	}
	vq := s.col().
		Where("agent_id", "==", agentID).
		FindNearest("embedding", firestore.Vector32(query), limit, firestore.DistanceMeasureCosine,
			&firestore.FindNearestOptions{DistanceResultField: "vector_distance"})

	snaps, err := vq.Documents(ctx).GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, "vector search", goerr.V("agent_id", agentID))
	}

	scored := make([]ScoredRecord, 0, len(snaps))
	for _, snap := range snaps {
		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "decode memory document", goerr.V("id", snap.Ref.ID))
		}
		// cosine distance is 1 - similarity
		scored = append(scored, ScoredRecord{Record: doc.record(), Similarity: 1 - doc.VectorDistance})
	}
	sortScored(scored)
	return scored, nil
}

func (s *FirestoreStore) UpdateImportance(ctx context.Context, agentID, id string, importance float64) error {
	ref := s.col().Doc(id)
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return goerr.Wrap(errs.ErrNotFound, "update importance", goerr.V("id", id), goerr.V("agent_id", agentID))
		}
		if err != nil {
			return goerr.Wrap(err, "get memory document", goerr.V("id", id))
		}
		if owner, _ := snap.DataAt("agent_id"); owner != agentID {
			return goerr.Wrap(errs.ErrNotFound, "update importance", goerr.V("id", id), goerr.V("agent_id", agentID))
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "importance", Value: importance},
			{Path: "updated_at", Value: time.Now().UTC()},
		})
	})
}

func (s *FirestoreStore) Delete(ctx context.Context, agentID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, s.col().Doc(id))
	}
	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return 0, goerr.Wrap(err, "load memory documents", goerr.V("agent_id", agentID))
	}

	deleted := 0
	for _, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		if owner, _ := snap.DataAt("agent_id"); owner != agentID {
			continue
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return deleted, goerr.Wrap(err, "delete memory document", goerr.V("id", snap.Ref.ID))
		}
		deleted++
	}
	return deleted, nil
}

func (s *FirestoreStore) Close() error {
	return s.client.Close()
}

func (s *FirestoreStore) query(it *firestore.DocumentIterator, op string) ([]Record, error) {
	snaps, err := it.GetAll()
	if err != nil {
		return nil, goerr.Wrap(err, op)
	}
	out := make([]Record, 0, len(snaps))
	for _, snap := range snaps {
		var doc firestoreRecord
		if err := snap.DataTo(&doc); err != nil {
			return nil, goerr.Wrap(err, "decode memory document", goerr.V("id", snap.Ref.ID))
		}
		out = append(out, doc.record())
	}
	return out, nil
}

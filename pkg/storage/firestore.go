package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/energycast/energycast/pkg/history"
	"github.com/energycast/energycast/pkg/log"
	"github.com/energycast/energycast/pkg/scaler"
	"github.com/energycast/energycast/pkg/types"
)

// FirestoreProvider implements Database using Google Cloud Firestore.
// Artifacts live in datasets/{dataset}/artifacts/{kind} and samples in
// datasets/{dataset}/samples/{RFC3339}, each as a JSON blob.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

var _ Database = (*FirestoreProvider)(nil)

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// project ID may be empty and detected from the environment
	return nil
}

// Init initializes the Firestore client.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(dataset, name string) (*firestore.CollectionRef, error) {
	if err := checkDataset(dataset); err != nil {
		return nil, err
	}
	return f.client.Collection("datasets").Doc(dataset).Collection(name), nil
}

func (f *FirestoreProvider) getArtifact(ctx context.Context, dataset, kind string, v any) error {
	coll, err := f.getCollection(dataset, "artifacts")
	if err != nil {
		return err
	}
	doc, err := coll.Doc(kind).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%s/%s: %w", dataset, kind, ErrNotFound)
		}
		return fmt.Errorf("failed to fetch %s doc: %w", kind, err)
	}
	return decodeDoc(ctx, doc, v)
}

func (f *FirestoreProvider) setArtifact(ctx context.Context, dataset, kind string, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	coll, err := f.getCollection(dataset, "artifacts")
	if err != nil {
		return err
	}
	_, err = coll.Doc(kind).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func decodeDoc(ctx context.Context, doc *firestore.DocumentSnapshot, v any) error {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("path", doc.Ref.Path))
		return fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), v); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("path", doc.Ref.Path), slog.Any("error", err))
		return fmt.Errorf("failed to unmarshal document %s: %w", doc.Ref.ID, err)
	}
	return nil
}

// GetScalers retrieves the scaler pair from the "artifacts/scalers" document.
func (f *FirestoreProvider) GetScalers(ctx context.Context, dataset string) (scaler.Pair, error) {
	var p scaler.Pair
	if err := f.getArtifact(ctx, dataset, kindScalers, &p); err != nil {
		return scaler.Pair{}, err
	}
	return p, nil
}

// SetScalers saves the scaler pair.
func (f *FirestoreProvider) SetScalers(ctx context.Context, dataset string, pair scaler.Pair) error {
	return f.setArtifact(ctx, dataset, kindScalers, pair)
}

// GetHistoricalTable retrieves the seasonal table.
func (f *FirestoreProvider) GetHistoricalTable(ctx context.Context, dataset string) (*history.Table, error) {
	var t history.Table
	if err := f.getArtifact(ctx, dataset, kindTable, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SetHistoricalTable saves the seasonal table.
func (f *FirestoreProvider) SetHistoricalTable(ctx context.Context, dataset string, table *history.Table) error {
	return f.setArtifact(ctx, dataset, kindTable, table)
}

// GetResults retrieves the latest evaluation results.
func (f *FirestoreProvider) GetResults(ctx context.Context, dataset string) (types.Results, error) {
	var r types.Results
	if err := f.getArtifact(ctx, dataset, kindResults, &r); err != nil {
		return types.Results{}, err
	}
	return r, nil
}

// SetResults replaces the evaluation results.
func (f *FirestoreProvider) SetResults(ctx context.Context, dataset string, results types.Results) error {
	return f.setArtifact(ctx, dataset, kindResults, results)
}

// UpsertSamples writes samples to the "samples" collection. The document ID
// is the RFC3339 timestamp so range queries can use document IDs.
func (f *FirestoreProvider) UpsertSamples(ctx context.Context, dataset string, samples types.Series) error {
	coll, err := f.getCollection(dataset, "samples")
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(samples))
	for _, s := range samples {
		jsonBytes, err := json.Marshal(s)
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to marshal sample: %w", err)
		}
		job, err := bw.Set(coll.Doc(sampleKey(s.TS)), map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": s.TS,
		})
		if err != nil {
			bw.End()
			return fmt.Errorf("failed to queue sample: %w", err)
		}
		jobs = append(jobs, job)
	}
	bw.End()
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to upsert sample: %w", err)
		}
	}
	return nil
}

// GetSamples retrieves samples within [start, end) using document ID range
// queries.
func (f *FirestoreProvider) GetSamples(ctx context.Context, dataset string, start, end time.Time) (types.Series, error) {
	coll, err := f.getCollection(dataset, "samples")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(sampleKey(start))).
		Where(firestore.DocumentID, "<", coll.Doc(sampleKey(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	return collectSamples(ctx, iter)
}

// GetLatestSamples retrieves the n most recent samples.
func (f *FirestoreProvider) GetLatestSamples(ctx context.Context, dataset string, n int) (types.Series, error) {
	coll, err := f.getCollection(dataset, "samples")
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	iter := coll.
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(n).
		Documents(ctx)
	series, err := collectSamples(ctx, iter)
	if err != nil {
		return nil, err
	}
	slices.Reverse(series)
	return series, nil
}

func collectSamples(ctx context.Context, iter *firestore.DocumentIterator) (types.Series, error) {
	defer iter.Stop()

	var series types.Series
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating samples: %w", err)
		}
		var s types.Sample
		if err := decodeDoc(ctx, doc, &s); err != nil {
			return nil, err
		}
		series = append(series, s)
	}
	return series, nil
}

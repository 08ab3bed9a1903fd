// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianInvoke/services/invoke/classifier"
	"github.com/AleutianAI/AleutianInvoke/services/invoke/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func result(c classifier.Category, tier classifier.Tier) *classifier.Result {
	return &classifier.Result{Category: c, Tier: tier}
}

func category(c classifier.Category) *classifier.Category { return &c }

func TestLedger_SubmitAndStats(t *testing.T) {
	l := NewLedger(quiet())
	ctx := context.Background()

	_, err := l.Submit(ctx, "/read a.txt", result(classifier.CategoryFileOperations, classifier.TierExact), true, nil)
	require.NoError(t, err)
	_, err = l.Submit(ctx, "find the bug", result(classifier.CategorySearchOperations, classifier.TierRule), false, category(classifier.CategoryCodeAnalysis))
	require.NoError(t, err)
	_, err = l.Submit(ctx, "list files", result(classifier.CategoryFileOperations, classifier.TierRule), true, nil)
	require.NoError(t, err)

	s := l.Stats()
	assert.Equal(t, int64(3), s.TotalCount)
	assert.Equal(t, int64(2), s.CorrectCount)
	assert.InDelta(t, 2.0/3.0, s.AccuracyRate, 1e-9)

	assert.Equal(t, Bucket{Total: 2, Correct: 2, AccuracyRate: 1}, s.ByCategory[classifier.CategoryFileOperations])
	assert.Equal(t, Bucket{Total: 1, Correct: 0, AccuracyRate: 0}, s.ByCategory[classifier.CategorySearchOperations])
	assert.Equal(t, Bucket{}, s.ByCategory[classifier.CategoryAIChat])
	assert.Len(t, s.ByCategory, len(classifier.AllCategories()))

	assert.Equal(t, Bucket{Total: 1, Correct: 1, AccuracyRate: 1}, s.ByTier["tier1"])
	assert.Equal(t, Bucket{Total: 2, Correct: 1, AccuracyRate: 0.5}, s.ByTier["tier2"])
	assert.Equal(t, Bucket{}, s.ByTier["tier3"])
}

func TestLedger_EmptyStats(t *testing.T) {
	s := NewLedger(quiet()).Stats()
	assert.Zero(t, s.TotalCount)
	assert.Zero(t, s.AccuracyRate)
}

func TestLedger_SubmitValidation(t *testing.T) {
	l := NewLedger(quiet())
	ctx := context.Background()
	tests := []struct {
		name      string
		result    *classifier.Result
		isCorrect bool
		corrected *classifier.Category
	}{
		{"nil result", nil, true, nil},
		{"unknown category", result("weather", classifier.TierRule), true, nil},
		{"unknown tier", result(classifier.CategoryAIChat, 0), true, nil},
		{"correction on correct", result(classifier.CategoryAIChat, classifier.TierRule), true, category(classifier.CategoryCodeAnalysis)},
		{"unknown correction", result(classifier.CategoryAIChat, classifier.TierRule), false, category("weather")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Submit(ctx, "x", tt.result, tt.isCorrect, tt.corrected)
			assert.ErrorIs(t, err, ErrInvalidFeedback)
		})
	}
	assert.Zero(t, l.Stats().TotalCount)
	assert.Empty(t, l.Records())
}

func TestLedger_EmptyCorrectionAllowed(t *testing.T) {
	l := NewLedger(quiet())
	rec, err := l.Submit(context.Background(), "x", result(classifier.CategoryAIChat, classifier.TierInference), true, category(""))
	require.NoError(t, err)
	assert.Empty(t, rec.CorrectedCategory)
}

func TestLedger_RecordsInAppendOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	l := NewLedger(quiet(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
	for i := 0; i < 5; i++ {
		_, err := l.Submit(context.Background(), fmt.Sprintf("input %d", i), result(classifier.CategoryAIChat, classifier.TierRule), i%2 == 0, nil)
		require.NoError(t, err)
	}
	recs := l.Records()
	require.Len(t, recs, 5)
	for i, r := range recs {
		assert.Equal(t, fmt.Sprintf("input %d", i), r.Input)
		assert.Equal(t, base.Add(time.Duration(i+1)*time.Second), r.Timestamp)
		assert.NotEmpty(t, r.ID)
	}
}

func TestLedger_ConcurrentSubmits(t *testing.T) {
	l := NewLedger(quiet())
	const workers, each = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := l.Submit(context.Background(), "x", result(classifier.CategoryCodeGeneration, classifier.TierInference), i%2 == 0, nil)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	s := l.Stats()
	assert.Equal(t, int64(workers*each), s.TotalCount)
	assert.Equal(t, int64(workers*each/2), s.CorrectCount)
	assert.Len(t, l.Records(), workers*each)
}

type failingStore struct{}

func (failingStore) Append(context.Context, Record) error { return errors.New("disk full") }
func (failingStore) Load(context.Context) ([]Record, error) {
	return nil, errors.New("disk gone")
}

func TestLedger_StoreFailureLeavesLedgerUnchanged(t *testing.T) {
	l := NewLedger(quiet(), WithStore(failingStore{}))
	_, err := l.Submit(context.Background(), "x", result(classifier.CategoryAIChat, classifier.TierRule), true, nil)
	assert.ErrorContains(t, err, "disk full")
	assert.Zero(t, l.Stats().TotalCount)

	_, err = l.Restore(context.Background())
	assert.ErrorContains(t, err, "disk gone")
}

func TestLedger_BadgerRoundTrip(t *testing.T) {
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()
	store := NewBadgerStore(db)

	l := NewLedger(quiet(), WithStore(store))
	ctx := context.Background()
	_, err = l.Submit(ctx, "first", result(classifier.CategoryFileOperations, classifier.TierExact), true, nil)
	require.NoError(t, err)
	_, err = l.Submit(ctx, "second", result(classifier.CategoryAIChat, classifier.TierInference), false, category(classifier.CategoryNoToolNeeded))
	require.NoError(t, err)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	restored := NewLedger(quiet(), WithStore(store))
	got, err := restored.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, got)
	assert.Equal(t, l.Stats(), restored.Stats())

	recs := restored.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "first", recs[0].Input)
	assert.Equal(t, classifier.CategoryNoToolNeeded, recs[1].CorrectedCategory)
	assert.Equal(t, classifier.TierInference, recs[1].Tier)
}

func TestLedger_RestoreWithoutStore(t *testing.T) {
	n, err := NewLedger(quiet()).Restore(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

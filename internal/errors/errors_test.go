package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	plain := New(KindNotFound, "project missing")
	assert.Equal(t, "NotFound: project missing", plain.Error())

	wrapped := Wrap(KindInternal, "query failed", stderrors.New("disk full"))
	assert.Equal(t, "Internal: query failed: disk full", wrapped.Error())
	assert.Equal(t, "disk full", wrapped.Unwrap().Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindConflict, KindOf(New(KindConflict, "duplicate key")))
	assert.Equal(t, KindInternal, KindOf(stderrors.New("anything")))
	assert.Equal(t, KindTimeout, KindOf(context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(context.Canceled))
}

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindUploadRejected, "path outside sandbox")
	outer := fmt.Errorf("failed to ingest file: %w", inner)
	assert.Equal(t, KindUploadRejected, KindOf(outer))
	assert.True(t, IsKind(outer, KindUploadRejected))
	assert.Equal(t, "path outside sandbox", MessageOf(outer))
}

func TestEnvelope(t *testing.T) {
	env := Envelope("ingest_file", New(KindUploadRejected, "file must be within upload directory"))
	require.Equal(t, "error", env["status"])
	assert.Equal(t, "ingest_file", env["tool"])
	assert.Equal(t, "UploadRejected", env["error"])
	assert.Equal(t, "file must be within upload directory", env["message"])
}

func TestEnvelopeUnclassified(t *testing.T) {
	env := Envelope("search", stderrors.New("boom"))
	assert.Equal(t, "Internal", env["error"])
	assert.Equal(t, "boom", env["message"])
}

package milvus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSourceExprQuotes(t *testing.T) {
	assert.Equal(t, `source_id == "doc-1"`, sourceExpr("doc-1"))
	assert.Equal(t, `source_id == "a\"b"`, sourceExpr(`a"b`))
}

package did

import (
	"context"
	"fmt"
)

// MockResolver serves a fixed, in-memory set of documents, used in
// capability-engine tests the way plc.MockClient stands in for network
// PLC operations in the teacher's test suite.
type MockResolver struct {
	Docs map[string]*Document
}

func NewMockResolver() *MockResolver {
	return &MockResolver{Docs: make(map[string]*Document)}
}

func (m *MockResolver) Add(doc *Document) {
	m.Docs[doc.ID] = doc
}

func (m *MockResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	doc, ok := m.Docs[did]
	if !ok {
		return nil, fmt.Errorf("mock resolver: unknown did %q", did)
	}
	return doc, nil
}

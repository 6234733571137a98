package search

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// OpinionHit is a single full-text search result.
type OpinionHit struct {
	SessionID string
	Row       int
	Score     float64
	Text      string
	Cluster   int
}

// OpinionIndex provides keyword search over processed opinions.
type OpinionIndex struct {
	index bleve.Index
	path  string
}

// NewOpinionIndex creates or opens the opinion index.
// If the index is corrupted, it is deleted and recreated.
func NewOpinionIndex(dbPath string) (*OpinionIndex, error) {
	indexPath := dbPath + ".bleve"

	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create opinion index: %w", err)
		}
		log.Println("📚 Opinion index created")
	} else if err != nil {
		log.Printf("⚠️  Opinion index appears corrupted (error: %v), recreating...", err)

		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(indexPath); err != nil {
			log.Printf("⚠️  Failed to remove corrupted index directory: %v", err)
		}

		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate opinion index: %w", err)
		}
		log.Println("✅ Opinion index recreated (corrupted index was deleted)")
	}

	return &OpinionIndex{
		index: index,
		path:  indexPath,
	}, nil
}

// buildIndexMapping creates the index mapping for opinion documents.
func buildIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	sessionField := bleve.NewTextFieldMapping()
	sessionField.Analyzer = keyword.Name
	sessionField.Store = true
	sessionField.Index = true
	docMapping.AddFieldMappingsAt("session_id", sessionField)

	rowField := bleve.NewTextFieldMapping()
	rowField.Analyzer = keyword.Name
	rowField.Store = true
	rowField.Index = true
	docMapping.AddFieldMappingsAt("row", rowField)

	clusterField := bleve.NewTextFieldMapping()
	clusterField.Analyzer = keyword.Name
	clusterField.Store = true
	clusterField.Index = true
	docMapping.AddFieldMappingsAt("cluster", clusterField)

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	textField.Index = true
	docMapping.AddFieldMappingsAt("text", textField)

	indexMapping.DefaultMapping = docMapping

	return indexMapping
}

// IndexSession replaces all indexed opinions for a session with the given
// set. Cluster labels are optional; pass nil before clustering has run.
func (o *OpinionIndex) IndexSession(sessionID string, opinions []string, clusters []int) error {
	if err := o.DeleteSession(sessionID); err != nil {
		return err
	}

	batch := o.index.NewBatch()
	for i, text := range opinions {
		cluster := -1
		if i < len(clusters) {
			cluster = clusters[i]
		}

		doc := map[string]interface{}{
			"session_id": sessionID,
			"row":        strconv.Itoa(i),
			"cluster":    strconv.Itoa(cluster),
			"text":       text,
		}

		docID := sessionID + "/" + strconv.Itoa(i)
		if err := batch.Index(docID, doc); err != nil {
			return fmt.Errorf("failed to add opinion %s to batch: %w", docID, err)
		}
	}

	return o.index.Batch(batch)
}

// DeleteSession removes all indexed opinions for a session.
func (o *OpinionIndex) DeleteSession(sessionID string) error {
	sessionQuery := bleve.NewTermQuery(sessionID)
	sessionQuery.SetField("session_id")

	searchRequest := bleve.NewSearchRequest(sessionQuery)
	searchRequest.Size = 10000
	searchRequest.Fields = []string{"session_id"}

	searchResult, err := o.index.Search(searchRequest)
	if err != nil {
		return fmt.Errorf("failed to list session documents: %w", err)
	}

	batch := o.index.NewBatch()
	for _, hit := range searchResult.Hits {
		batch.Delete(hit.ID)
	}

	return o.index.Batch(batch)
}

// Search performs a keyword search over opinions, optionally scoped to a
// session. Pass sessionID == "" to search all sessions.
func (o *OpinionIndex) Search(query string, sessionID string, k int) ([]OpinionHit, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("text")

	var searchRequest *bleve.SearchRequest
	if sessionID != "" {
		sessionQuery := bleve.NewTermQuery(sessionID)
		sessionQuery.SetField("session_id")
		searchRequest = bleve.NewSearchRequest(bleve.NewConjunctionQuery(q, sessionQuery))
	} else {
		searchRequest = bleve.NewSearchRequest(q)
	}
	searchRequest.Size = k
	searchRequest.Fields = []string{"session_id", "row", "cluster", "text"}

	searchResult, err := o.index.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("opinion search failed: %w", err)
	}

	results := make([]OpinionHit, 0, len(searchResult.Hits))
	for _, hit := range searchResult.Hits {
		result := OpinionHit{Score: hit.Score, Cluster: -1}

		if id, ok := hit.Fields["session_id"].(string); ok {
			result.SessionID = id
		}
		if row, ok := hit.Fields["row"].(string); ok {
			if n, err := strconv.Atoi(row); err == nil {
				result.Row = n
			}
		}
		if cluster, ok := hit.Fields["cluster"].(string); ok {
			if n, err := strconv.Atoi(cluster); err == nil {
				result.Cluster = n
			}
		}
		if text, ok := hit.Fields["text"].(string); ok {
			result.Text = text
		}

		results = append(results, result)
	}

	return results, nil
}

// Close closes the index.
func (o *OpinionIndex) Close() error {
	return o.index.Close()
}

// GetPath returns the filesystem path of the index.
func (o *OpinionIndex) GetPath() string {
	return o.path
}

// Snippet trims an opinion for display in search output.
func Snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}

package services

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/code-sleuth/ragledger/internal/ledger/interfaces"
)

// citationPattern matches "(Title, p. 3)", "(Title, p3)" and "(Title, P. 3)".
var citationPattern = regexp.MustCompile(`(?i)\(([^,()]+),\s*p\.?\s*(\d+)\)`)

// Citation is a source the answer explicitly refers to.
type Citation struct {
	DocumentID    int64  `json:"doc_id"`
	DocumentTitle string `json:"doc_title"`
	Page          int    `json:"page"`
}

// ExtractCitations resolves the "(Title, p. N)" references in answer against
// the retrieved hits. A reference matches the first hit on the same page
// whose title contains it, ignoring case. References to anything that was
// not retrieved are dropped and each (title, page) appears once.
func ExtractCitations(answer string, hits []interfaces.SearchHit) []Citation {
	type key struct {
		title string
		page  int
	}

	citations := []Citation{}
	seen := make(map[key]struct{})
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		ref := strings.ToLower(strings.TrimSpace(match[1]))
		page, err := strconv.Atoi(match[2])
		if err != nil || ref == "" {
			continue
		}
		for _, hit := range hits {
			if hit.Page != page || !strings.Contains(strings.ToLower(hit.DocumentTitle), ref) {
				continue
			}
			k := key{title: hit.DocumentTitle, page: page}
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				citations = append(citations, Citation{DocumentID: hit.DocumentID, DocumentTitle: hit.DocumentTitle, Page: page})
			}
			break
		}
	}
	return citations
}

// Package pharos answers natural-language questions about protein
// targets via the Pharos GraphQL API (Illuminating the Druggable
// Genome). The query model translates questions to GraphQL; results
// come back as formatted text for the agent.
package pharos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/trial-scout/internal/httpkit"
	"github.com/nugget/trial-scout/internal/llm"
)

// DefaultEndpoint is the public Pharos GraphQL API.
const DefaultEndpoint = "https://pharos-api.ncats.io/graphql"

// schemaDoc is the only API surface the query model sees.
const schemaDoc = `Pharos GraphQL API - Generate queries using these patterns:

Basic fields: sym, name, tdl, fam, novelty, description
Nested fields: diseaseAssociationDetails{name,dataType,evidence}, ppiTargetInteractionDetails{ppitypes,score}

Single target:
query { target(q:{sym:"GENE"}) { sym name tdl } }

With diseases:
query { target(q:{sym:"GENE"}) { sym name tdl diseaseAssociationDetails{name dataType} } }

Multiple targets:
query {
  g1: target(q:{sym:"GENE1"}) { sym name tdl }
  g2: target(q:{sym:"GENE2"}) { sym name tdl }
}

Search by TDL:
query { targets(filter:{facets:[{facet:"Target Development Level",values:["Tdark"]}]}) { targets(top:10) { sym name tdl } } }

Return ONLY the GraphQL query, no explanations.`

// Service translates questions to GraphQL and runs them.
type Service struct {
	endpoint   string
	llm        llm.Client
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Pharos service. An empty endpoint selects the public
// API.
func New(endpoint string, client llm.Client, model string, logger *slog.Logger) *Service {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		endpoint:   endpoint,
		llm:        client,
		model:      model,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		logger:     logger.With("service", "pharos"),
	}
}

// Ask answers a natural-language question about protein targets. The
// generated GraphQL travels with the result text so the agent can show
// its work.
func (s *Service) Ask(ctx context.Context, question string) (string, error) {
	query, err := s.generateGraphQL(ctx, question)
	if err != nil {
		return "", fmt.Errorf("generate GraphQL: %w", err)
	}
	s.logger.Debug("generated GraphQL", "question", question, "query", query)

	data, err := s.execute(ctx, query)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Pharos Query Results:\n\nGraphQL: %s\n\nData:\n%s\n", query, data), nil
}

func (s *Service) generateGraphQL(ctx context.Context, question string) (string, error) {
	prompt := fmt.Sprintf(`You are a Pharos GraphQL expert. Generate a GraphQL query for the following question.

API: Pharos GraphQL API (%s)
Schema documentation:
%s

User question: %s

CRITICAL RULES:
1. ONLY use fields and filters shown in the schema examples above
2. If a field or filter is not in an example, it does NOT exist in the API
3. Copy the exact structure from the most similar example
4. Do not invent or assume any fields, filters, or parameters

Instructions:
- Return ONLY a valid GraphQL query
- Use exact field names and structure from examples
- Do not include explanations or markdown formatting
- Return the GraphQL query directly without any wrapper text

GraphQL Query:`, DefaultEndpoint, schemaDoc, question)

	resp, err := s.llm.Chat(ctx, s.model, []llm.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", err
	}
	return ExtractGraphQL(resp.Message.Content), nil
}

func (s *Service) execute(ctx context.Context, query string) (string, error) {
	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("pharos request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 2048)
		return "", fmt.Errorf("pharos status %d: %s", resp.StatusCode, errBody)
	}

	var payload struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(payload.Errors) > 0 {
		var msgs []string
		for _, e := range payload.Errors {
			msgs = append(msgs, e.Message)
		}
		return "", fmt.Errorf("pharos query errors: %s", strings.Join(msgs, "; "))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload.Data, "", "  "); err != nil {
		return string(payload.Data), nil
	}
	return pretty.String(), nil
}

var fenceRe = regexp.MustCompile("(?is)```(?:graphql)?\\s*(.*?)\\s*```")

// ExtractGraphQL strips a markdown code fence from model output, if
// any.
func ExtractGraphQL(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

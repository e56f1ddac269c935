// Package drugcentral answers natural-language pharmacology questions
// against a DrugCentral PostgreSQL mirror. Questions are translated to
// SQL by the query model, validated as read-only, and executed with a
// statement timeout; results come back as formatted text for the agent.
package drugcentral

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nugget/trial-scout/internal/llm"
)

// schemaDoc is the only schema surface the query model sees. Kept
// minimal for token efficiency; anything not listed here does not
// exist as far as SQL generation is concerned.
const schemaDoc = `DrugCentral PostgreSQL - Use these views and patterns:

Views:
- drug_search_all: drug_id, primary_name, all_synonyms, chemical_formula
- drug_info: drug_id, drug_name, molecular_weight, chemical_formula
- drug_targets: drug_id, drug_name, target_name, target_class, gene, action_type
- drug_products: drug_id, drug_name, product_name, dosage_form
- fda_approved_drugs: drug_id, drug_name, fda_approval_date, applicant_company

Find drug by name:
SELECT * FROM drug_search_all WHERE primary_name ILIKE '%name%' OR all_synonyms ILIKE '%name%' LIMIT 10

Find targets:
SELECT target_name, gene, action_type FROM drug_targets WHERE drug_name ILIKE '%name%' LIMIT 10

Find by protein:
SELECT drug_name, target_name, gene FROM drug_targets WHERE target_name ILIKE '%protein%' LIMIT 10

Use ILIKE for searches, always LIMIT results.`

const (
	defaultRowLimit  = 100
	displayRowLimit  = 20
	statementTimeout = "30s"
)

// Service translates questions to SQL and runs them.
type Service struct {
	pool   *pgxpool.Pool
	llm    llm.Client
	model  string
	logger *slog.Logger
}

// New connects to the DrugCentral database and returns a service that
// uses the given model for SQL generation.
func New(ctx context.Context, dsn string, client llm.Client, model string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to drugcentral: %w", err)
	}
	return &Service{
		pool:   pool,
		llm:    client,
		model:  model,
		logger: logger.With("service", "drugcentral"),
	}, nil
}

// Close releases the connection pool.
func (s *Service) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Ask answers a natural-language question about drugs, targets or
// products. The generated SQL travels with the result text so the
// agent can show its work.
func (s *Service) Ask(ctx context.Context, question string) (string, error) {
	sql, err := s.generateSQL(ctx, question)
	if err != nil {
		return "", fmt.Errorf("generate SQL: %w", err)
	}
	s.logger.Debug("generated SQL", "question", question, "sql", sql)

	if err := CheckReadOnly(sql); err != nil {
		return "", err
	}

	columns, rows, err := s.execute(ctx, EnsureLimit(sql))
	if err != nil {
		return "", fmt.Errorf("query drugcentral: %w", err)
	}

	return FormatResults(sql, columns, rows), nil
}

func (s *Service) generateSQL(ctx context.Context, question string) (string, error) {
	prompt := fmt.Sprintf(`You are a PostgreSQL SQL expert. Generate a SQL query for the following question.

Database: DrugCentral PostgreSQL database
Schema information:
%s

User question: %s

CRITICAL RULES:
1. ONLY use tables and columns shown in the schema documentation above
2. If a table or column is not in the schema, it does NOT exist in the database
3. Copy the exact structure and JOIN patterns from the most similar schema example
4. Do not invent or assume any tables, columns, or relationships

Instructions:
- Return ONLY a valid PostgreSQL SELECT query
- Use exact table and column names from schema
- Limit results to 100 rows with LIMIT clause
- Do not include explanations or markdown formatting
- Return the SQL query directly without any wrapper text

SQL Query:`, schemaDoc, question)

	resp, err := s.llm.Chat(ctx, s.model, []llm.Message{
		{Role: "user", Content: prompt},
	}, nil)
	if err != nil {
		return "", err
	}
	return ExtractSQL(resp.Message.Content), nil
}

func (s *Service) execute(ctx context.Context, sql string) ([]string, [][]any, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer conn.Release()

	// Scope the timeout to this connection for the duration of the
	// query, then reset before returning it to the pool.
	if _, err := conn.Exec(ctx, "SET statement_timeout = '"+statementTimeout+"'"); err != nil {
		return nil, nil, err
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "RESET statement_timeout")
	}()

	rows, err := conn.Query(ctx, sql)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var columns []string
	for _, fd := range rows.FieldDescriptions() {
		columns = append(columns, string(fd.Name))
	}

	var values [][]any
	for rows.Next() {
		row, err := rows.Values()
		if err != nil {
			return nil, nil, err
		}
		values = append(values, row)
	}
	return columns, values, rows.Err()
}

var fenceRe = regexp.MustCompile("(?is)```(?:sql)?\\s*(.*?)\\s*```")

// ExtractSQL strips a markdown code fence from model output, if any.
func ExtractSQL(s string) string {
	s = strings.TrimSpace(s)
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return s
}

var unsafeKeywords = []string{
	"DELETE", "DROP", "TRUNCATE", "INSERT", "UPDATE",
	"ALTER", "CREATE", "GRANT", "REVOKE",
}

// CheckReadOnly rejects anything but a plain SELECT. The database user
// should be read-only too; this is the first line, not the only one.
func CheckReadOnly(sql string) error {
	upper := strings.ToUpper(sql)
	for _, kw := range unsafeKeywords {
		if strings.Contains(upper, kw) {
			return fmt.Errorf("unsafe SQL operation detected: %s", kw)
		}
	}
	if !strings.HasPrefix(strings.TrimSpace(upper), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	return nil
}

var limitRe = regexp.MustCompile(`(?i)\bLIMIT\b`)

// EnsureLimit appends a row cap to queries that lack one.
func EnsureLimit(sql string) string {
	if limitRe.MatchString(sql) {
		return sql
	}
	return strings.TrimRight(strings.TrimSpace(sql), ";") + fmt.Sprintf(" LIMIT %d", defaultRowLimit)
}

// FormatResults renders query output as structured text. Only the
// first rows are included verbatim; the model gets a count for the
// rest.
func FormatResults(sql string, columns []string, rows [][]any) string {
	if len(rows) == 0 {
		return fmt.Sprintf("No results found in DrugCentral database.\n\nSQL Query: %s", sql)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "DrugCentral Query Results (%d rows):\n\n", len(rows))
	fmt.Fprintf(&b, "SQL: %s\n\n", sql)
	fmt.Fprintf(&b, "Columns: %s\n\n", strings.Join(columns, ", "))

	shown := len(rows)
	if shown > displayRowLimit {
		shown = displayRowLimit
	}
	for i := 0; i < shown; i++ {
		var pairs []string
		for j, col := range columns {
			if j < len(rows[i]) {
				pairs = append(pairs, fmt.Sprintf("%s: %v", col, rows[i][j]))
			}
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, strings.Join(pairs, ", "))
	}
	if len(rows) > displayRowLimit {
		fmt.Fprintf(&b, "\n... and %d more results", len(rows)-displayRowLimit)
	}
	return b.String()
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/roundtablehq/roundtable/pkg/models"
)

// SQLiteStore implements Store on a SQLite database. Timestamps are stored
// as RFC3339 text; structured fields (borrowed context, tool lists) are
// stored as JSON.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and if necessary initializes) a SQLite-backed store.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// Concurrent workers share one connection pool; WAL keeps readers
	// from blocking the streaming writers.
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			title      TEXT NOT NULL DEFAULT '',
			summary    TEXT NOT NULL DEFAULT '',
			mode       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			removed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL,
			model            TEXT NOT NULL,
			instructions     TEXT NOT NULL DEFAULT '',
			thinking_enabled INTEGER NOT NULL DEFAULT 0,
			audio_input      INTEGER NOT NULL DEFAULT 0,
			tools            TEXT NOT NULL DEFAULT '[]',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participations (
			id                       TEXT PRIMARY KEY,
			conversation_id          TEXT NOT NULL,
			agent_id                 TEXT NOT NULL,
			closed_for_initiation_at TEXT,
			summary                  TEXT NOT NULL DEFAULT '',
			summary_generated_at     TEXT,
			borrowed_context         TEXT,
			created_at               TEXT NOT NULL,
			UNIQUE(conversation_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			agent_id        TEXT NOT NULL DEFAULT '',
			author_name     TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL DEFAULT '',
			thinking        TEXT NOT NULL DEFAULT '',
			streaming       INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL DEFAULT '',
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			tools_used      TEXT NOT NULL DEFAULT '[]',
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_participations_agent ON participations(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, summary, mode, created_at, updated_at, removed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Title, c.Summary, string(c.Mode), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt), fmtTimePtr(c.RemovedAt))
	if err != nil {
		return fmt.Errorf("store: create conversation: %w", err)
	}
	return nil
}

const conversationCols = `id, title, summary, mode, created_at, updated_at, removed_at`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	var c models.Conversation
	var mode, createdAt, updatedAt string
	var removedAt sql.NullString
	if err := row.Scan(&c.ID, &c.Title, &c.Summary, &mode, &createdAt, &updatedAt, &removedAt); err != nil {
		return nil, err
	}
	c.Mode = models.ConversationMode(mode)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	c.RemovedAt = parseTimePtr(removedAt)
	return &c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE id = ? AND removed_at IS NULL`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("store: touch conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) RemoveConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET removed_at = ? WHERE id = ?`, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("store: remove conversation: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) CreateAgent(ctx context.Context, a *models.Agent) error {
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("store: marshal agent tools: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, model, instructions, thinking_enabled, audio_input, tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Model, a.Instructions, boolInt(a.ThinkingEnabled), boolInt(a.AudioInput),
		string(tools), fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: create agent: %w", err)
	}
	return nil
}

const agentCols = `id, name, model, instructions, thinking_enabled, audio_input, tools, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*models.Agent, error) {
	var a models.Agent
	var thinking, audio int
	var tools, createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.Name, &a.Model, &a.Instructions, &thinking, &audio, &tools, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.ThinkingEnabled = thinking != 0
	a.AudioInput = audio != 0
	if err := json.Unmarshal([]byte(tools), &a.Tools); err != nil {
		return nil, fmt.Errorf("store: unmarshal agent tools: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()
	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list agents: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *models.Message) error {
	tools, err := json.Marshal(m.ToolsUsed)
	if err != nil {
		return fmt.Errorf("store: marshal tools used: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, agent_id, author_name, content, thinking,
		                       streaming, status, input_tokens, output_tokens, tools_used, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Role), m.AgentID, m.AuthorName, m.Content, m.Thinking,
		boolInt(m.Streaming), m.Status, m.InputTokens, m.OutputTokens, string(tools),
		fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(ctx context.Context, m *models.Message) error {
	tools, err := json.Marshal(m.ToolsUsed)
	if err != nil {
		return fmt.Errorf("store: marshal tools used: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, thinking = ?, streaming = ?, status = ?,
		        input_tokens = ?, output_tokens = ?, tools_used = ?, updated_at = ?
		 WHERE id = ?`,
		m.Content, m.Thinking, boolInt(m.Streaming), m.Status,
		m.InputTokens, m.OutputTokens, string(tools), fmtTime(m.UpdatedAt), m.ID)
	if err != nil {
		return fmt.Errorf("store: update message: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return requireRow(res)
}

const messageCols = `id, conversation_id, role, agent_id, author_name, content, thinking,
	streaming, status, input_tokens, output_tokens, tools_used, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var m models.Message
	var role, tools, createdAt, updatedAt string
	var streaming int
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.AgentID, &m.AuthorName, &m.Content, &m.Thinking,
		&streaming, &m.Status, &m.InputTokens, &m.OutputTokens, &tools, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	m.Streaming = streaming != 0
	if err := json.Unmarshal([]byte(tools), &m.ToolsUsed); err != nil {
		return nil, fmt.Errorf("store: unmarshal tools used: %w", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) History(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM (
			SELECT rowid AS rn, * FROM messages WHERE conversation_id = ? ORDER BY rowid DESC LIMIT ?
		 ) ORDER BY rn ASC`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: history: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE conversation_id = ? ORDER BY rowid DESC LIMIT 1`,
		conversationID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: last message: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) AddParticipant(ctx context.Context, p *models.Participation) error {
	bc, err := marshalBorrowed(p.BorrowedContext)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO participations (id, conversation_id, agent_id, closed_for_initiation_at,
		                             summary, summary_generated_at, borrowed_context, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ConversationID, p.AgentID, fmtTimePtr(p.ClosedForInitiationAt),
		p.Summary, fmtTimePtr(p.SummaryGeneratedAt), bc, fmtTime(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add participant: %w", err)
	}
	return nil
}

const participationCols = `id, conversation_id, agent_id, closed_for_initiation_at,
	summary, summary_generated_at, borrowed_context, created_at`

func scanParticipation(row interface{ Scan(...any) error }) (*models.Participation, error) {
	var p models.Participation
	var closedAt, summaryAt, borrowed sql.NullString
	var createdAt string
	if err := row.Scan(&p.ID, &p.ConversationID, &p.AgentID, &closedAt,
		&p.Summary, &summaryAt, &borrowed, &createdAt); err != nil {
		return nil, err
	}
	p.ClosedForInitiationAt = parseTimePtr(closedAt)
	p.SummaryGeneratedAt = parseTimePtr(summaryAt)
	if borrowed.Valid && borrowed.String != "" {
		var bc models.BorrowedContext
		if err := json.Unmarshal([]byte(borrowed.String), &bc); err != nil {
			return nil, fmt.Errorf("store: unmarshal borrowed context: %w", err)
		}
		p.BorrowedContext = &bc
	}
	p.CreatedAt = parseTime(createdAt)
	return &p, nil
}

func (s *SQLiteStore) GetParticipation(ctx context.Context, conversationID, agentID string) (*models.Participation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+participationCols+` FROM participations WHERE conversation_id = ? AND agent_id = ?`,
		conversationID, agentID)
	p, err := scanParticipation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get participation: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]*models.Participation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+participationCols+` FROM participations WHERE conversation_id = ? ORDER BY agent_id`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()
	var out []*models.Participation
	for rows.Next() {
		p, err := scanParticipation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list participants: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListAgentConversations(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT p.conversation_id FROM participations p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.agent_id = ? AND c.removed_at IS NULL
		 ORDER BY p.conversation_id`,
		agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list agent conversations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list agent conversations: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CloseForInitiation is a single atomic column update; no other
// participant's row is touched.
func (s *SQLiteStore) CloseForInitiation(ctx context.Context, conversationID, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participations SET closed_for_initiation_at = ?
		 WHERE conversation_id = ? AND agent_id = ?`,
		fmtTime(at), conversationID, agentID)
	if err != nil {
		return fmt.Errorf("store: close for initiation: %w", err)
	}
	return requireRow(res)
}

// ReopenConversation resets closed_for_initiation_at for every participation
// of the conversation in one batch statement.
func (s *SQLiteStore) ReopenConversation(ctx context.Context, conversationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participations SET closed_for_initiation_at = NULL
		 WHERE conversation_id = ? AND closed_for_initiation_at IS NOT NULL`,
		conversationID)
	if err != nil {
		return 0, fmt.Errorf("store: reopen conversation: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SetBorrowedContext(ctx context.Context, conversationID, agentID string, bc *models.BorrowedContext) error {
	payload, err := marshalBorrowed(bc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE participations SET borrowed_context = ?
		 WHERE conversation_id = ? AND agent_id = ?`,
		payload, conversationID, agentID)
	if err != nil {
		return fmt.Errorf("store: set borrowed context: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ClearBorrowedContext(ctx context.Context, conversationID, agentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participations SET borrowed_context = NULL
		 WHERE conversation_id = ? AND agent_id = ?`,
		conversationID, agentID)
	if err != nil {
		return fmt.Errorf("store: clear borrowed context: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) SetSummary(ctx context.Context, conversationID, agentID, summary string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE participations SET summary = ?, summary_generated_at = ?
		 WHERE conversation_id = ? AND agent_id = ?`,
		summary, fmtTime(at), conversationID, agentID)
	if err != nil {
		return fmt.Errorf("store: set summary: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteStore) ContinuableConversations(ctx context.Context, agentID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.summary, c.mode, c.created_at, c.updated_at, c.removed_at
		 FROM conversations c
		 JOIN participations p ON p.conversation_id = c.id
		 WHERE p.agent_id = ?
		   AND p.closed_for_initiation_at IS NULL
		   AND c.removed_at IS NULL
		   AND c.mode = ?
		   AND COALESCE((SELECT m.agent_id FROM messages m
		                 WHERE m.conversation_id = c.id
		                 ORDER BY m.rowid DESC LIMIT 1), '') <> p.agent_id
		 ORDER BY c.updated_at DESC
		 LIMIT ?`,
		agentID, string(models.ModeManualTrigger), limit)
	if err != nil {
		return nil, fmt.Errorf("store: continuable conversations: %w", err)
	}
	defer rows.Close()
	var out []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: continuable conversations: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AgentContextSummaries(ctx context.Context, agentID, excludeConversationID string, since time.Time, limit int) ([]*ContextSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, p.summary, c.updated_at
		 FROM participations p
		 JOIN conversations c ON c.id = p.conversation_id
		 WHERE p.agent_id = ?
		   AND p.conversation_id <> ?
		   AND p.summary <> ''
		   AND c.removed_at IS NULL
		   AND c.updated_at >= ?
		 ORDER BY c.updated_at DESC
		 LIMIT ?`,
		agentID, excludeConversationID, fmtTime(since), limit)
	if err != nil {
		return nil, fmt.Errorf("store: agent context summaries: %w", err)
	}
	defer rows.Close()
	var out []*ContextSummary
	for rows.Next() {
		var cs ContextSummary
		var updatedAt string
		if err := rows.Scan(&cs.ConversationID, &cs.Title, &cs.Summary, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: agent context summaries: %w", err)
		}
		cs.UpdatedAt = parseTime(updatedAt)
		out = append(out, &cs)
	}
	return out, rows.Err()
}

func marshalBorrowed(bc *models.BorrowedContext) (any, error) {
	if bc == nil {
		return nil, nil
	}
	data, err := json.Marshal(bc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal borrowed context: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

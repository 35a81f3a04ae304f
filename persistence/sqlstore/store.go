package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mohitkumar/fleetflow/logger"
	"github.com/mohitkumar/fleetflow/model"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/util"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var _ persistence.Store = new(Store)

type Config struct {
	// Driver is sqlite, mysql or pgx.
	Driver string
	DSN    string
}

type Store struct {
	db      *sql.DB
	dialect *dialect

	flowEnc         util.EncoderDecoder[model.Flow]
	requestEnc      util.EncoderDecoder[model.Request]
	responseEnc     util.EncoderDecoder[model.Response]
	resultEnc       util.EncoderDecoder[model.FlowResult]
	logEnc          util.EncoderDecoder[model.FlowLogEntry]
	scheduledEnc    util.EncoderDecoder[model.ScheduledFlow]
	clientEnc       util.EncoderDecoder[model.Client]
	userEnc         util.EncoderDecoder[model.User]
	notificationEnc util.EncoderDecoder[model.UserNotification]
	messageEnc      util.EncoderDecoder[model.Message]
	processingEnc   util.EncoderDecoder[model.FlowProcessingRequest]
}

func Open(ctx context.Context, conf Config) (*Store, error) {
	d, ok := dialects[conf.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", conf.Driver)
	}
	db, err := sql.Open(d.driver, conf.DSN)
	if err != nil {
		return nil, err
	}
	if d.name == "sqlite" {
		// One connection keeps in-memory databases shared and serializes
		// writers the way sqlite wants them.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, err
		}
	}
	s := &Store{
		db:              db,
		dialect:         d,
		flowEnc:         util.NewJsonEncoderDecoder[model.Flow](),
		requestEnc:      util.NewJsonEncoderDecoder[model.Request](),
		responseEnc:     util.NewJsonEncoderDecoder[model.Response](),
		resultEnc:       util.NewJsonEncoderDecoder[model.FlowResult](),
		logEnc:          util.NewJsonEncoderDecoder[model.FlowLogEntry](),
		scheduledEnc:    util.NewJsonEncoderDecoder[model.ScheduledFlow](),
		clientEnc:       util.NewJsonEncoderDecoder[model.Client](),
		userEnc:         util.NewJsonEncoderDecoder[model.User](),
		notificationEnc: util.NewJsonEncoderDecoder[model.UserNotification](),
		messageEnc:      util.NewJsonEncoderDecoder[model.Message](),
		processingEnc:   util.NewJsonEncoderDecoder[model.FlowProcessingRequest](),
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sql store ready", zap.String("dialect", d.name))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := make([]string, 0, len(schema)+len(s.dialect.indexes))
	for _, stmt := range schema {
		stmts = append(stmts, s.dialect.types.Replace(stmt))
	}
	stmts = append(stmts, s.dialect.indexes...)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func decodeAll[T any](rows *sql.Rows, enc util.EncoderDecoder[T]) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v, err := enc.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func exists(ctx context.Context, tx DBTX, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nextSeq(ctx context.Context, tx DBTX, query string, args ...any) (int64, error) {
	var seq int64
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) CreateFlow(ctx context.Context, flow *model.Flow) error {
	data, err := s.flowEnc.Encode(*flow)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "CreateFlow", func(tx DBTX) error {
		known, err := exists(ctx, tx, "SELECT 1 FROM clients WHERE client_id = ?", flow.ClientId)
		if err != nil {
			return err
		}
		if !known {
			return persistence.UnknownClientError{ClientId: flow.ClientId}
		}
		dup, err := exists(ctx, tx, "SELECT 1 FROM flows WHERE client_id = ? AND flow_id = ?", flow.ClientId, flow.FlowId)
		if err != nil {
			return err
		}
		if dup {
			return persistence.DuplicateFlowIdError{ClientId: flow.ClientId, FlowId: flow.FlowId}
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO flows (client_id, flow_id, parent_flow_id, create_time, data) VALUES (?, ?, ?, ?, ?)",
			flow.ClientId, flow.FlowId, flow.ParentFlowId, flow.CreateTime.UnixNano(), data)
		return err
	})
}

func (s *Store) readFlow(ctx context.Context, tx DBTX, clientId string, flowId string) (*model.Flow, error) {
	var data []byte
	err := tx.QueryRowContext(ctx, "SELECT data FROM flows WHERE client_id = ? AND flow_id = ?", clientId, flowId).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, persistence.UnknownFlowError{ClientId: clientId, FlowId: flowId}
	}
	if err != nil {
		return nil, err
	}
	return s.flowEnc.Decode(data)
}

func (s *Store) ReadFlowObject(ctx context.Context, clientId string, flowId string) (*model.Flow, error) {
	var flow *model.Flow
	err := s.withTransaction(ctx, "ReadFlowObject", func(tx DBTX) error {
		var err error
		flow, err = s.readFlow(ctx, tx, clientId, flowId)
		return err
	})
	return flow, err
}

func (s *Store) ReadChildFlowObjects(ctx context.Context, clientId string, parentFlowId string) ([]*model.Flow, error) {
	var flows []*model.Flow
	err := s.withTransaction(ctx, "ReadChildFlowObjects", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT data FROM flows WHERE client_id = ? AND parent_flow_id = ? ORDER BY create_time, flow_id", clientId, parentFlowId)
		if err != nil {
			return err
		}
		flows, err = decodeAll(rows, s.flowEnc)
		return err
	})
	return flows, err
}

func (s *Store) ReadAllFlowObjects(ctx context.Context, clientId string) ([]*model.Flow, error) {
	var flows []*model.Flow
	err := s.withTransaction(ctx, "ReadAllFlowObjects", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx, "SELECT data FROM flows WHERE client_id = ? ORDER BY create_time, flow_id", clientId)
		if err != nil {
			return err
		}
		flows, err = decodeAll(rows, s.flowEnc)
		return err
	})
	return flows, err
}

func (s *Store) UpdateFlow(ctx context.Context, update *model.FlowUpdate) error {
	flow := update.Flow
	data, err := s.flowEnc.Encode(*flow)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "UpdateFlow", func(tx DBTX) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM flows WHERE client_id = ? AND flow_id = ?", flow.ClientId, flow.FlowId)
		if err != nil {
			return err
		}
		if !found {
			return persistence.UnknownFlowError{ClientId: flow.ClientId, FlowId: flow.FlowId}
		}
		if err := s.updateFlowData(ctx, tx, flow, data, update.LeaseToken); err != nil {
			return err
		}
		if err := s.writeRequests(ctx, tx, update.NewRequests); err != nil {
			return err
		}
		if err := s.writeRequests(ctx, tx, update.UpdatedRequests); err != nil {
			return err
		}
		for _, id := range update.ProcessedRequests {
			if _, err := tx.ExecContext(ctx, "DELETE FROM flow_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?", flow.ClientId, flow.FlowId, id); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM flow_responses WHERE client_id = ? AND flow_id = ? AND request_id = ?", flow.ClientId, flow.FlowId, id); err != nil {
				return err
			}
		}
		if err := s.writeResponses(ctx, tx, update.Responses); err != nil {
			return err
		}
		for _, r := range update.Results {
			rd, err := s.resultEnc.Encode(*r)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.dialect.insertIgnore("flow_results", []string{"client_id", "flow_id", "seq", "data"}),
				r.ClientId, r.FlowId, r.Index, rd); err != nil {
				return err
			}
		}
		for _, e := range update.LogEntries {
			if err := s.writeLogEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		if err := s.writeMessages(ctx, tx, update.ClientMessages); err != nil {
			return err
		}
		return s.writeProcessingRequests(ctx, tx, update.ProcessingRequests)
	})
}

// updateFlowData writes the flow record, guarded by the lease when token is
// set. MySQL reports zero affected rows for an unchanged record, so a miss
// is confirmed against the lease columns before it counts as lost.
func (s *Store) updateFlowData(ctx context.Context, tx DBTX, flow *model.Flow, data []byte, token string) error {
	if token == "" {
		_, err := tx.ExecContext(ctx, "UPDATE flows SET data = ? WHERE client_id = ? AND flow_id = ?", data, flow.ClientId, flow.FlowId)
		return err
	}
	now := time.Now().UnixNano()
	res, err := tx.ExecContext(ctx,
		"UPDATE flows SET data = ? WHERE client_id = ? AND flow_id = ? AND lease_owner = ? AND lease_deadline > ?",
		data, flow.ClientId, flow.FlowId, token, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	held, err := exists(ctx, tx, "SELECT 1 FROM flows WHERE client_id = ? AND flow_id = ? AND lease_owner = ? AND lease_deadline > ?",
		flow.ClientId, flow.FlowId, token, now)
	if err != nil {
		return err
	}
	if !held {
		return persistence.ErrFlowLeased
	}
	return nil
}

func (s *Store) LeaseFlowForProcessing(ctx context.Context, clientId string, flowId string, owner string, ttl time.Duration) (*model.Flow, error) {
	var flow *model.Flow
	err := s.withTransaction(ctx, "LeaseFlowForProcessing", func(tx DBTX) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx,
			`UPDATE flows SET lease_owner = ?, lease_deadline = ?
			WHERE client_id = ? AND flow_id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_deadline < ?)`,
			owner, now.Add(ttl).UnixNano(), clientId, flowId, owner, now.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		flow, err = s.readFlow(ctx, tx, clientId, flowId)
		if err != nil {
			return err
		}
		if n == 0 {
			return persistence.ErrFlowLeased
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return flow, nil
}

func (s *Store) ReleaseProcessedFlow(ctx context.Context, clientId string, flowId string, owner string) error {
	return s.withTransaction(ctx, "ReleaseProcessedFlow", func(tx DBTX) error {
		_, err := tx.ExecContext(ctx,
			"UPDATE flows SET lease_owner = '', lease_deadline = 0 WHERE client_id = ? AND flow_id = ? AND lease_owner = ?",
			clientId, flowId, owner)
		return err
	})
}

func (s *Store) writeRequests(ctx context.Context, tx DBTX, requests []*model.Request) error {
	for _, r := range requests {
		data, err := s.requestEnc.Encode(*r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM flow_requests WHERE client_id = ? AND flow_id = ? AND request_id = ?",
			r.ClientId, r.FlowId, r.RequestId); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO flow_requests (client_id, flow_id, request_id, data) VALUES (?, ?, ?, ?)",
			r.ClientId, r.FlowId, r.RequestId, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WriteFlowRequests(ctx context.Context, requests []*model.Request) error {
	return s.withTransaction(ctx, "WriteFlowRequests", func(tx DBTX) error {
		return s.writeRequests(ctx, tx, requests)
	})
}

func (s *Store) writeResponses(ctx context.Context, tx DBTX, responses []*model.Response) error {
	query := s.dialect.insertIgnore("flow_responses", []string{"client_id", "flow_id", "request_id", "response_id", "data"})
	for _, r := range responses {
		data, err := s.responseEnc.Encode(*r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, r.ClientId, r.FlowId, r.RequestId, r.ResponseId, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WriteFlowResponses(ctx context.Context, responses []*model.Response) error {
	return s.withTransaction(ctx, "WriteFlowResponses", func(tx DBTX) error {
		return s.writeResponses(ctx, tx, responses)
	})
}

func (s *Store) ReadFlowRequestsAndResponses(ctx context.Context, clientId string, flowId string) ([]*model.RequestAndResponses, error) {
	var out []*model.RequestAndResponses
	err := s.withTransaction(ctx, "ReadFlowRequestsAndResponses", func(tx DBTX) error {
		if _, err := s.readFlow(ctx, tx, clientId, flowId); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, "SELECT data FROM flow_requests WHERE client_id = ? AND flow_id = ? ORDER BY request_id", clientId, flowId)
		if err != nil {
			return err
		}
		requests, err := decodeAll(rows, s.requestEnc)
		if err != nil {
			return err
		}
		rows, err = tx.QueryContext(ctx,
			"SELECT data FROM flow_responses WHERE client_id = ? AND flow_id = ? ORDER BY request_id, response_id", clientId, flowId)
		if err != nil {
			return err
		}
		responses, err := decodeAll(rows, s.responseEnc)
		if err != nil {
			return err
		}
		byRequest := make(map[uint64][]*model.Response)
		for _, r := range responses {
			byRequest[r.RequestId] = append(byRequest[r.RequestId], r)
		}
		out = make([]*model.RequestAndResponses, 0, len(requests))
		for _, r := range requests {
			rs := byRequest[r.RequestId]
			if rs == nil {
				rs = []*model.Response{}
			}
			out = append(out, &model.RequestAndResponses{Request: r, Responses: rs})
		}
		return nil
	})
	return out, err
}

func (s *Store) ReadFlowResponses(ctx context.Context, clientId string, flowId string, requestId uint64, fromResponseId uint64) ([]*model.Response, error) {
	var out []*model.Response
	err := s.withTransaction(ctx, "ReadFlowResponses", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT data FROM flow_responses
			WHERE client_id = ? AND flow_id = ? AND request_id = ? AND response_id >= ?
			ORDER BY response_id`, clientId, flowId, requestId, fromResponseId)
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.responseEnc)
		return err
	})
	return out, err
}

// limitClause renders a LIMIT/OFFSET pair. A non-positive count reads to
// the end.
func limitClause(offset int, count int) string {
	if count <= 0 {
		// A huge limit keeps the syntax valid on every dialect.
		return fmt.Sprintf(" LIMIT %d OFFSET %d", int64(1)<<62, offset)
	}
	return fmt.Sprintf(" LIMIT %d OFFSET %d", count, offset)
}

func (s *Store) ReadFlowResults(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowResult, error) {
	var out []*model.FlowResult
	err := s.withTransaction(ctx, "ReadFlowResults", func(tx DBTX) error {
		if _, err := s.readFlow(ctx, tx, clientId, flowId); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			"SELECT data FROM flow_results WHERE client_id = ? AND flow_id = ? ORDER BY seq"+limitClause(offset, count), clientId, flowId)
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.resultEnc)
		return err
	})
	return out, err
}

func (s *Store) writeLogEntry(ctx context.Context, tx DBTX, entry *model.FlowLogEntry) error {
	data, err := s.logEnc.Encode(*entry)
	if err != nil {
		return err
	}
	seq, err := nextSeq(ctx, tx, "SELECT COALESCE(MAX(seq), -1) + 1 FROM flow_log_entries WHERE client_id = ? AND flow_id = ?", entry.ClientId, entry.FlowId)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "INSERT INTO flow_log_entries (client_id, flow_id, seq, data) VALUES (?, ?, ?, ?)",
		entry.ClientId, entry.FlowId, seq, data)
	return err
}

func (s *Store) WriteFlowLogEntry(ctx context.Context, entry *model.FlowLogEntry) error {
	return s.withTransaction(ctx, "WriteFlowLogEntry", func(tx DBTX) error {
		if _, err := s.readFlow(ctx, tx, entry.ClientId, entry.FlowId); err != nil {
			return err
		}
		return s.writeLogEntry(ctx, tx, entry)
	})
}

func (s *Store) ReadFlowLogEntries(ctx context.Context, clientId string, flowId string, offset int, count int) ([]*model.FlowLogEntry, error) {
	var out []*model.FlowLogEntry
	err := s.withTransaction(ctx, "ReadFlowLogEntries", func(tx DBTX) error {
		if _, err := s.readFlow(ctx, tx, clientId, flowId); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			"SELECT data FROM flow_log_entries WHERE client_id = ? AND flow_id = ? ORDER BY seq"+limitClause(offset, count), clientId, flowId)
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.logEnc)
		return err
	})
	return out, err
}

func (s *Store) WriteScheduledFlow(ctx context.Context, sf *model.ScheduledFlow) error {
	data, err := s.scheduledEnc.Encode(*sf)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "WriteScheduledFlow", func(tx DBTX) error {
		known, err := exists(ctx, tx, "SELECT 1 FROM clients WHERE client_id = ?", sf.ClientId)
		if err != nil {
			return err
		}
		if !known {
			return persistence.UnknownClientError{ClientId: sf.ClientId}
		}
		known, err = exists(ctx, tx, "SELECT 1 FROM users WHERE username = ?", sf.Creator)
		if err != nil {
			return err
		}
		if !known {
			return persistence.UnknownUserError{Username: sf.Creator}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM scheduled_flows WHERE client_id = ? AND creator = ? AND scheduled_flow_id = ?",
			sf.ClientId, sf.Creator, sf.ScheduledFlowId); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO scheduled_flows (client_id, creator, scheduled_flow_id, create_time, data) VALUES (?, ?, ?, ?, ?)",
			sf.ClientId, sf.Creator, sf.ScheduledFlowId, sf.CreateTime.UnixNano(), data)
		return err
	})
}

func (s *Store) ReadScheduledFlows(ctx context.Context, clientId string, creator string) ([]*model.ScheduledFlow, error) {
	var out []*model.ScheduledFlow
	err := s.withTransaction(ctx, "ReadScheduledFlows", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT data FROM scheduled_flows WHERE client_id = ? AND creator = ? ORDER BY create_time, scheduled_flow_id", clientId, creator)
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.scheduledEnc)
		return err
	})
	return out, err
}

func (s *Store) DeleteScheduledFlow(ctx context.Context, clientId string, creator string, scheduledFlowId string) error {
	return s.withTransaction(ctx, "DeleteScheduledFlow", func(tx DBTX) error {
		found, err := exists(ctx, tx, "SELECT 1 FROM scheduled_flows WHERE client_id = ? AND creator = ? AND scheduled_flow_id = ?",
			clientId, creator, scheduledFlowId)
		if err != nil {
			return err
		}
		if !found {
			return persistence.UnknownScheduledFlowError{ClientId: clientId, Creator: creator, ScheduledFlowId: scheduledFlowId}
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM scheduled_flows WHERE client_id = ? AND creator = ? AND scheduled_flow_id = ?",
			clientId, creator, scheduledFlowId)
		return err
	})
}

func (s *Store) WriteClient(ctx context.Context, client *model.Client) error {
	data, err := s.clientEnc.Encode(*client)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "WriteClient", func(tx DBTX) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM clients WHERE client_id = ?", client.ClientId); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "INSERT INTO clients (client_id, data) VALUES (?, ?)", client.ClientId, data)
		return err
	})
}

func (s *Store) ReadClient(ctx context.Context, clientId string) (*model.Client, error) {
	var client *model.Client
	err := s.withTransaction(ctx, "ReadClient", func(tx DBTX) error {
		var data []byte
		err := tx.QueryRowContext(ctx, "SELECT data FROM clients WHERE client_id = ?", clientId).Scan(&data)
		if err == sql.ErrNoRows {
			return persistence.UnknownClientError{ClientId: clientId}
		}
		if err != nil {
			return err
		}
		client, err = s.clientEnc.Decode(data)
		return err
	})
	return client, err
}

func (s *Store) WriteUser(ctx context.Context, username string) error {
	data, err := s.userEnc.Encode(model.User{Username: username, CreateTime: time.Now()})
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "WriteUser", func(tx DBTX) error {
		_, err := tx.ExecContext(ctx, s.dialect.insertIgnore("users", []string{"username", "data"}), username, data)
		return err
	})
}

func (s *Store) ReadUser(ctx context.Context, username string) (*model.User, error) {
	var user *model.User
	err := s.withTransaction(ctx, "ReadUser", func(tx DBTX) error {
		var data []byte
		err := tx.QueryRowContext(ctx, "SELECT data FROM users WHERE username = ?", username).Scan(&data)
		if err == sql.ErrNoRows {
			return persistence.UnknownUserError{Username: username}
		}
		if err != nil {
			return err
		}
		user, err = s.userEnc.Decode(data)
		return err
	})
	return user, err
}

func (s *Store) WriteUserNotification(ctx context.Context, n *model.UserNotification) error {
	data, err := s.notificationEnc.Encode(*n)
	if err != nil {
		return err
	}
	return s.withTransaction(ctx, "WriteUserNotification", func(tx DBTX) error {
		known, err := exists(ctx, tx, "SELECT 1 FROM users WHERE username = ?", n.Username)
		if err != nil {
			return err
		}
		if !known {
			return persistence.UnknownUserError{Username: n.Username}
		}
		seq, err := nextSeq(ctx, tx, "SELECT COALESCE(MAX(seq), -1) + 1 FROM user_notifications WHERE username = ?", n.Username)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "INSERT INTO user_notifications (username, seq, data) VALUES (?, ?, ?)", n.Username, seq, data)
		return err
	})
}

func (s *Store) ReadUserNotifications(ctx context.Context, username string) ([]*model.UserNotification, error) {
	var out []*model.UserNotification
	err := s.withTransaction(ctx, "ReadUserNotifications", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx, "SELECT data FROM user_notifications WHERE username = ? ORDER BY seq", username)
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.notificationEnc)
		return err
	})
	return out, err
}

func (s *Store) writeMessages(ctx context.Context, tx DBTX, messages []*model.Message) error {
	for _, m := range messages {
		data, err := s.messageEnc.Encode(*m)
		if err != nil {
			return err
		}
		seq, err := nextSeq(ctx, tx, "SELECT COALESCE(MAX(seq), -1) + 1 FROM client_messages WHERE client_id = ?", m.ClientId)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO client_messages (client_id, seq, data) VALUES (?, ?, ?)", m.ClientId, seq, data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WriteClientMessages(ctx context.Context, messages []*model.Message) error {
	return s.withTransaction(ctx, "WriteClientMessages", func(tx DBTX) error {
		return s.writeMessages(ctx, tx, messages)
	})
}

func (s *Store) PopClientMessages(ctx context.Context, clientId string, limit int) ([]*model.Message, error) {
	var out []*model.Message
	err := s.withTransaction(ctx, "PopClientMessages", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT seq, data FROM client_messages WHERE client_id = ? ORDER BY seq"+limitClause(0, limit)+s.dialect.lockSuffix, clientId)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = make([]*model.Message, 0)
		var last int64 = -1
		for rows.Next() {
			var data []byte
			if err := rows.Scan(&last, &data); err != nil {
				return err
			}
			m, err := s.messageEnc.Decode(data)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if last < 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM client_messages WHERE client_id = ? AND seq <= ?", clientId, last)
		return err
	})
	return out, err
}

func (s *Store) writeProcessingRequests(ctx context.Context, tx DBTX, requests []*model.FlowProcessingRequest) error {
	query := s.dialect.insertIgnore("flow_processing_requests", []string{"partition_id", "client_id", "flow_id", "delivery_time", "data"})
	for _, r := range requests {
		data, err := s.processingEnc.Encode(*r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, r.Partition, r.ClientId, r.FlowId, r.DeliveryTime.UnixNano(), data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) WriteFlowProcessingRequests(ctx context.Context, requests []*model.FlowProcessingRequest) error {
	return s.withTransaction(ctx, "WriteFlowProcessingRequests", func(tx DBTX) error {
		return s.writeProcessingRequests(ctx, tx, requests)
	})
}

func (s *Store) PopFlowProcessingRequests(ctx context.Context, partition int, due time.Time, limit int) ([]*model.FlowProcessingRequest, error) {
	var out []*model.FlowProcessingRequest
	err := s.withTransaction(ctx, "PopFlowProcessingRequests", func(tx DBTX) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT data FROM flow_processing_requests WHERE partition_id = ? AND delivery_time <= ? ORDER BY delivery_time"+
				limitClause(0, limit)+s.dialect.lockSuffix, partition, due.UnixNano())
		if err != nil {
			return err
		}
		out, err = decodeAll(rows, s.processingEnc)
		if err != nil {
			return err
		}
		for _, r := range out {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM flow_processing_requests WHERE partition_id = ? AND client_id = ? AND flow_id = ? AND delivery_time = ?",
				r.Partition, r.ClientId, r.FlowId, r.DeliveryTime.UnixNano()); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/mdmflow/orchestrator/database"
	"github.com/mdmflow/orchestrator/model"
)

const auditLogTable = "audit_log"

// AuditLogger records send-back events against a request's history
// (§4.5.d: "appends a SendBack entry to the audit log with actor and
// reason text").
type AuditLogger interface {
	LogSendBack(ctx context.Context, requestNumber string, actor model.SendBackActor, reason string) error
}

// RowStoreAuditLogger appends one row per event to a dedicated table in
// the same RowStore the rest of the engine already uses, rather than
// standing up a second storage system for what is, structurally, just
// more rows.
type RowStoreAuditLogger struct {
	Store database.IDataSource
}

func (l *RowStoreAuditLogger) LogSendBack(ctx context.Context, requestNumber string, actor model.SendBackActor, reason string) error {
	rowID := fmt.Sprintf("%s:%d", requestNumber, time.Now().UnixNano())
	return l.Store.UpsertRow(ctx, &database.Row{
		Table:      auditLogTable,
		RowID:      rowID,
		RequestKey: requestNumber,
		Columns: map[string]interface{}{
			"event":          "SendBack",
			"actor":          string(actor),
			"reason":         reason,
			"request_number": requestNumber,
			"timestamp":      time.Now(),
		},
	}, database.RowOptions{})
}

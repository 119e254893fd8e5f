// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"

	"github.com/shiharai/reconciler/internal/models"
)

// ListPendingInvoices returns the workspace's invoices still awaiting a bank
// transfer. Read-only: invoice status transitions belong to the invoicing
// service.
func (s *Store) ListPendingInvoices(ctx context.Context, workspaceID string) ([]models.Invoice, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, invoice_number, amount, customer_name, transfer_reference
		FROM invoices
		WHERE workspace_id = $1
		  AND status = 'pending'
		  AND payment_method = 'bank_transfer'
		  AND deleted_at IS NULL
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []models.Invoice
	for rows.Next() {
		var inv models.Invoice
		if err := rows.Scan(
			&inv.ID, &inv.WorkspaceID, &inv.InvoiceNumber, &inv.Amount,
			&inv.CustomerName, &inv.TransferReference,
		); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

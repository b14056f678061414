package handlers

import "github.com/go-chi/chi/v5"

// Mount registers the ledger endpoints on an authenticated router.
func Mount(r chi.Router, tx *TransactionHandler, accounts *AccountHandler) {
	r.Route("/transactions", func(r chi.Router) {
		r.Get("/", tx.ListTransactions)
		r.Post("/", tx.CreateTransaction)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", tx.GetTransaction)
			r.Patch("/", tx.PatchTransaction)
			r.Post("/complete", tx.CompleteTransaction)
			r.Post("/void", tx.VoidTransaction)
			r.Get("/audit", tx.GetAuditTrail)
			r.Get("/receipt", tx.GetReceipt)
			r.Get("/iso20022", tx.GetISO20022)
		})
	})

	r.Get("/accounts", accounts.ListAccounts)
	r.Post("/accounts/{number}/adjustments", accounts.AdjustBalance)
}

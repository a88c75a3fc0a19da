package app

import (
	"github.com/wisbric/autoengine/pkg/credential"
	"github.com/wisbric/autoengine/pkg/model"
)

// storeResolver adapts *credential.Store to scheduler.AccountResolver: the
// Store's Get returns credentials alongside the account and an error on a
// miss, while the Scheduler only needs the account and a found flag.
type storeResolver struct {
	store *credential.Store
}

func (r storeResolver) Account(accountID string) (model.Account, bool) {
	_, acct, err := r.store.Get(accountID)
	if err != nil {
		return model.Account{}, false
	}
	return acct, true
}

func (r storeResolver) MarkRequiresReconnection(accountID string) error {
	return r.store.MarkRequiresReconnection(accountID)
}

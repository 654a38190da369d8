package write

import (
	"context"

	"github.com/objectstack/objectstack/pkg/apierrors"
	"github.com/objectstack/objectstack/pkg/storage"
	"github.com/objectstack/objectstack/pkg/types"
)

// handleInstallation resolves device identity for _Installation creates. The
// same physical device can show up under an installationId, a deviceToken, or
// both, so a create may resolve into an update of an existing row:
//
//	(a) an existing installationId match wins outright;
//	(b) a single deviceToken match with no installationId on either side is
//	    the same device and is merged into;
//	(c) ambiguous deviceToken matches are disambiguated by installationId and
//	    stale rows are pruned before the create proceeds.
func (w *writeContext) handleInstallation(ctx context.Context) error {
	if !w.isCreate() {
		return nil
	}

	installationID, _ := w.data["installationId"].(string)
	deviceToken, _ := w.data["deviceToken"].(string)
	if installationID == "" && deviceToken == "" {
		return apierrors.New(apierrors.MissingObjectID,
			"at least one ID field (deviceToken, installationId) must be specified in this operation")
	}

	// Identity resolution always runs master-level; the caller's ACL applies
	// to the resulting write, not the lookup.
	if installationID != "" {
		rows, err := w.e.store.Find(ctx, *w.class,
			types.Object{"installationId": installationID}, storage.FindOptions{Limit: 1})
		if err != nil {
			return err
		}
		if len(rows) > 0 {
			w.becomeUpdateOf(rows[0])
			return nil
		}
	}

	if deviceToken == "" {
		return nil
	}
	matches, err := w.e.store.Find(ctx, *w.class,
		types.Object{"deviceToken": deviceToken}, storage.FindOptions{Limit: 100})
	if err != nil {
		return err
	}

	switch {
	case len(matches) == 0:
		return nil

	case len(matches) == 1:
		matchInstallationID, _ := matches[0]["installationId"].(string)
		if installationID == "" && matchInstallationID == "" {
			// Same device seen twice without an installationId anywhere.
			w.becomeUpdateOf(matches[0])
			return nil
		}
		if matchInstallationID == installationID {
			w.becomeUpdateOf(matches[0])
			return nil
		}
		if matchInstallationID == "" && installationID != "" {
			w.becomeUpdateOf(matches[0])
			return nil
		}
		return nil

	default:
		if installationID == "" {
			return nil
		}
		// Several rows share the deviceToken; rows carrying a different
		// installationId are stale and get pruned.
		err := w.e.store.Destroy(ctx, *w.class, types.Object{
			"deviceToken":    deviceToken,
			"installationId": types.Object{"$ne": installationID},
		}, storage.WriteOptions{})
		if err != nil && err != storage.ErrNotFound {
			return err
		}
		for _, row := range matches {
			if rowID, _ := row["installationId"].(string); rowID == installationID {
				w.becomeUpdateOf(row)
				return nil
			}
		}
		return nil
	}
}

// becomeUpdateOf converts this create into an update of the existing row.
func (w *writeContext) becomeUpdateOf(existing types.Object) {
	objectID, _ := existing[types.FieldObjectID].(string)
	w.objectID = objectID
	w.create = false
	w.originalData = existing
	w.mergedCreate = true
	delete(w.data, types.FieldObjectID)
}

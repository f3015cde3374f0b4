package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tokenvault/internal/adapters/transfer"
	"tokenvault/internal/core"
	scenemem "tokenvault/internal/infra/scene/memory"
	"tokenvault/internal/reconcile"
	"tokenvault/internal/session"
	"tokenvault/pkg/domain"
	"tokenvault/pkg/sceneapi"
)

type cycleReport struct {
	Cycle      int                  `json:"cycle"`
	Items      int                  `json:"items"`
	NewTokens  []string             `json:"newTokens"`
	Recaptured []domain.Key         `json:"recaptured"`
	Ambiguous  []domain.Key         `json:"ambiguous"`
	Overused   []domain.Key         `json:"overused"`
	Usage      reconcile.UsageIndex `json:"usage"`
}

// RunReplay feeds recorded deliveries through a session over an in-memory
// scene and reports every reconciliation cycle.
func RunReplay(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var deliveries [][]domain.Item
	if err := json.Unmarshal(data, &deliveries); err != nil {
		return fmt.Errorf("%s: expected a JSON array of item lists: %w", args[0], err)
	}
	roleFlag, err := OptionalStringFlag(cmd, "role")
	if err != nil {
		return err
	}
	role := sceneapi.Role(strings.ToUpper(roleFlag))
	if role == "" {
		role = sceneapi.RoleGM
	}
	if !role.Valid() {
		return fmt.Errorf("unknown role %q", role)
	}
	persist, err := boolFlag(cmd, "persist")
	if err != nil {
		return err
	}
	asJSON, err := boolFlag(cmd, "json")
	if err != nil {
		return err
	}

	var service *core.Service
	if persist {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.close()
		service = e.service
	} else {
		_, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		service = core.NewInMemoryService(core.NewDefaultRulesEngine(), core.WithLogger(logger))
	}

	records, err := OptionalStringFlag(cmd, "records")
	if err != nil {
		return err
	}
	if records != "" {
		raw, err := os.ReadFile(records)
		if err != nil {
			return err
		}
		report, err := transfer.NewImporter(service, transfer.ServiceSink(service), nil).Import(cmd.Context(), raw, true)
		if err != nil {
			return fmt.Errorf("seed records: %w", err)
		}
		service.Observability().Logger.Info("seeded persisted tokens", "created", report.Created, "replaced", report.Replaced)
	}

	scene := scenemem.NewScene()
	sess := session.New(service, scene,
		session.WithRole(role),
		session.WithNotifier(&scenemem.Notifier{}),
		session.WithContextMenu(&scenemem.ContextMenu{}),
	)
	ctx := cmd.Context()
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Close()
	// the empty scene loads before the first delivery and is not reported
	if err := sess.SetSceneReady(ctx, true); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	n := 0
	var writeErr error
	unsubscribe := sess.Engine().Subscribe(func(c reconcile.Cycle) {
		n++
		if writeErr == nil {
			writeErr = writeCycle(out, newCycleReport(n, c), asJSON)
		}
	})
	defer unsubscribe()
	for _, items := range deliveries {
		scene.Replace(ctx, items)
	}
	if writeErr != nil {
		return writeErr
	}
	if !asJSON {
		_, err = fmt.Fprintf(out, "%d deliveries, %d cycles, %d persisted tokens\n", len(deliveries), n, len(service.List()))
	}
	return err
}

func newCycleReport(n int, c reconcile.Cycle) cycleReport {
	r := cycleReport{
		Cycle:      n,
		Items:      len(c.Tokens),
		NewTokens:  make([]string, 0, len(c.NewTokens)),
		Recaptured: keysOrEmpty(c.Recaptured),
		Ambiguous:  keysOrEmpty(c.Ambiguous),
		Overused:   keysOrEmpty(c.Overused),
		Usage:      c.Usage,
	}
	for _, item := range c.NewTokens {
		r.NewTokens = append(r.NewTokens, item.ID)
	}
	return r
}

func writeCycle(w io.Writer, r cycleReport, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(r)
	}
	_, err := fmt.Fprintf(w, "cycle %d: tokens=%d new=%d recaptured=%s ambiguous=%s overused=%s\n",
		r.Cycle, r.Items, len(r.NewTokens), joinKeys(r.Recaptured), joinKeys(r.Ambiguous), joinKeys(r.Overused))
	return err
}

func joinKeys(keys []domain.Key) string {
	if len(keys) == 0 {
		return "-"
	}
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = string(k)
	}
	return strings.Join(parts, ",")
}

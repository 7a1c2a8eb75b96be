package lifecycle

import (
	"fmt"

	"modelctl/internal/sysprofile"
	"modelctl/pkg/types"
)

// Plan action tags, stable identifiers for front ends.
const (
	ActionUseAPI        = "use_api"
	ActionConfigAPIKey  = "config_api_key"
	ActionInstallDeps   = "install_deps"
	ActionDownloadModel = "download_model"
	ActionStartServer   = "start_server"
)

// buildPlan turns an environment recommendation into an ordered setup plan.
// API-mode hosts get a two-step remote plan; local hosts get the
// install/download/serve sequence, with the download step omitted when the
// recommended model is already complete on disk.
func buildPlan(prof types.SystemProfile, downloaded func(name string) bool) types.SetupPlan {
	rec := prof.Recommended
	plan := types.SetupPlan{
		CanRunLocal:      rec.CanRunLocal,
		Reason:           rec.Reason,
		RecommendedModel: rec.Model,
		RecommendedQuant: rec.Quant,
	}
	if !rec.CanRunLocal {
		plan.Steps = []types.PlanStep{
			{Step: 1, Description: "Use the remote model API", Action: ActionUseAPI},
			{Step: 2, Description: "Configure the API key", Action: ActionConfigAPIKey},
		}
		return plan
	}
	plan.Steps = append(plan.Steps, types.PlanStep{
		Step:        1,
		Description: "Install inference dependencies",
		Action:      ActionInstallDeps,
		Command:     sysprofile.InstallCommand(prof),
	})
	if downloaded == nil || !downloaded(rec.Model) {
		plan.Steps = append(plan.Steps, types.PlanStep{
			Description: fmt.Sprintf("Download model: %s", rec.Model),
			Action:      ActionDownloadModel,
			Model:       rec.Model,
		})
	}
	plan.Steps = append(plan.Steps, types.PlanStep{
		Description: fmt.Sprintf("Start local inference server with %s", rec.Model),
		Action:      ActionStartServer,
		Model:       rec.Model,
	})
	for i := range plan.Steps {
		plan.Steps[i].Step = i + 1
	}
	return plan
}

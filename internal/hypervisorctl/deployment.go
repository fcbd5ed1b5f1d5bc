package hypervisorctl

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/hypervisor-io/hypervisor/internal/common"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/admission"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/database"
	"github.com/hypervisor-io/hypervisor/internal/hypervisor/model"
)

// Admit submits a deployment and reports whether it started straight away or was queued.
func (a *App) Admit(request admission.DeploymentRequest) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	deployment, err := a.Components.Admission.Admit(ctx, request)
	if err != nil {
		return errors.WithMessagef(err, "error admitting deployment on cluster %d", request.ClusterId)
	}
	switch deployment.Status {
	case model.DeploymentInProgress:
		fmt.Fprintf(a.Out, "Deployment %d is running on cluster %d\n", deployment.Id, deployment.ClusterId)
	default:
		fmt.Fprintf(a.Out, "Deployment %d is queued on cluster %d with priority %d\n",
			deployment.Id, deployment.ClusterId, deployment.Priority)
	}
	return nil
}

// DeploymentFile is the format read by AdmitFile.
//
//	deployments:
//	  - clusterId: 1
//	    priority: 10
//	    cpu: 4
//	    ram: 16384
//	    gpu: 1
//	    imagePath: registry.example.com/trainer:v2
type DeploymentFile struct {
	Deployments []admission.DeploymentRequest `json:"deployments"`
}

// AdmitFile admits every deployment listed in the YAML or JSON file at path, in order. It stops at the first
// deployment that is rejected; the ones before it stay admitted.
func (a *App) AdmitFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}
	file := &DeploymentFile{}
	if err := yaml.UnmarshalStrict(data, file); err != nil {
		return errors.Wrapf(err, "error parsing %s", path)
	}
	if len(file.Deployments) == 0 {
		return errors.Errorf("%s lists no deployments", path)
	}
	for _, request := range file.Deployments {
		if err := a.Admit(request); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) GetDeployment(id int64) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	deployment, err := a.Components.Deployments.Get(ctx, id)
	if err != nil {
		return errors.WithMessagef(err, "error getting deployment %d", id)
	}
	w := a.newTabWriter()
	fmt.Fprintf(w, "Id:\t%d\n", deployment.Id)
	fmt.Fprintf(w, "Cluster:\t%d\n", deployment.ClusterId)
	fmt.Fprintf(w, "Status:\t%s\n", deployment.Status)
	fmt.Fprintf(w, "Priority:\t%d\n", deployment.Priority)
	fmt.Fprintf(w, "Required:\t%s\n", deployment.Required)
	fmt.Fprintf(w, "Image:\t%s\n", deployment.ImagePath)
	fmt.Fprintf(w, "Queued at:\t%s\n", formatTime(&deployment.QueuedAt))
	fmt.Fprintf(w, "Started at:\t%s\n", formatTime(deployment.StartedAt))
	fmt.Fprintf(w, "Completed at:\t%s\n", formatTime(deployment.CompletedAt))
	return w.Flush()
}

func (a *App) ListDeployments(filter database.DeploymentFilter) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	deployments, err := a.Components.Deployments.List(ctx, filter)
	if err != nil {
		return errors.WithMessage(err, "error listing deployments")
	}
	w := a.newTabWriter()
	fmt.Fprintln(w, "ID\tCLUSTER\tSTATUS\tPRIORITY\tCPU\tRAM\tGPU\tIMAGE")
	for _, d := range deployments {
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%d\t%d\t%s\n",
			d.Id, d.ClusterId, d.Status, d.Priority, d.Required.Cpu, d.Required.Ram, d.Required.Gpu, d.ImagePath)
	}
	return w.Flush()
}

// UpdateDeploymentStatus records a terminal status. When release is set the deployment's resources are freed
// immediately instead of by the next cleanup pass.
func (a *App) UpdateDeploymentStatus(id int64, status model.DeploymentStatus, release bool) error {
	ctx, cancel := common.ContextWithDefaultTimeout()
	defer cancel()
	update := a.Components.Deployments.UpdateStatus
	if release {
		update = a.Components.Deployments.Finalize
	}
	deployment, err := update(ctx, id, status)
	if err != nil {
		return errors.WithMessagef(err, "error marking deployment %d %s", id, status)
	}
	if deployment.IsCleaned() {
		fmt.Fprintf(a.Out, "Deployment %d is %s and its resources have been released\n", id, deployment.Status)
	} else {
		fmt.Fprintf(a.Out, "Deployment %d is %s\n", id, deployment.Status)
	}
	return nil
}

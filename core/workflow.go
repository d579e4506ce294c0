package core

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// Publisher is the gossip/transport collaborator the publish workflow
// hands freshly produced ops to; JoinCell wires it to the stream transport
// in network.go (a no-op publisher when the cell has no p2p node).
type Publisher interface {
	Publish(ctx context.Context, ops []DhtOp) error
}

// Validator runs one op through system or app validation, returning the
// terminal status or an AwaitingDeps/Invalid error per §4.5/§4.6.
type Validator interface {
	Validate(ctx context.Context, op DhtOp) (ValidationStatus, error)
}

// workflowFn runs one pass over a workflow's queue, reporting whether work
// remains (WorkIncomplete re-triggers immediately) or the queue drained.
type workflowFn func(ctx context.Context) (WorkStatus, error)

// backoff computes the §5 capped exponential retry delay for a workflow's
// nth consecutive failure.
func backoff(attempt int, base, capDelay time.Duration) time.Duration {
	d := base * time.Duration(math.Pow(2, float64(attempt)))
	if d > capDelay || d <= 0 {
		return capDelay
	}
	return d
}

// runWorkflow drives fn to completion on every trigger, retrying failures
// with capped exponential backoff up to maxRetries before surfacing a
// WorkflowRunError and degrading (§5, §7). A WorkIncomplete result
// re-triggers the loop immediately rather than waiting on the channel.
func runWorkflow(ctx context.Context, name string, recv TriggerReceiver, fn workflowFn, baseDelay, capDelay time.Duration, maxRetries int) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-recv.C():
		}

		for {
			status, err := fn(ctx)
			if err == nil {
				attempt = 0
				if status == WorkIncomplete {
					continue
				}
				break
			}

			attempt++
			logrus.WithError(err).WithField("workflow", name).WithField("attempt", attempt).Warn("workflow run failed")
			if attempt > maxRetries {
				logrus.WithError(&WorkflowRunError{Workflow: name, Cause: err}).Error("workflow exhausted retries, degrading")
				attempt = 0
				break
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff(attempt, baseDelay, capDelay)):
			}
		}
	}
}

// Workflows bundles the five trigger-driven loops in the produce -> publish
// -> sys_validate -> app_validate -> integrate pipeline (§4.4-§4.9) plus the
// triggers used to wire them together and to a zome-call entry point.
type Workflows struct {
	ProduceDhtOpsTrig TriggerSender
	PublishTrig       TriggerSender
	SysValidateTrig   TriggerSender
	AppValidateTrig   TriggerSender
	IntegrateTrig     TriggerSender

	cancel context.CancelFunc
}

// StartWorkflows wires and launches the five workflow loops against chain
// and dht, publishing through pub and validating through sysV/appV. Backoff
// parameters come from cfg's Validation section.
func StartWorkflows(parent context.Context, authored *AuthoredStore, dht *DhtStore, pub Publisher, sysV, appV Validator, baseDelay, capDelay time.Duration, maxRetries int) *Workflows {
	ctx, cancel := context.WithCancel(parent)

	produceSend, produceRecv := NewTrigger()
	publishSend, publishRecv := NewTrigger()
	sysSend, sysRecv := NewTrigger()
	appSend, appRecv := NewTrigger()
	integrateSend, integrateRecv := NewTrigger()

	w := &Workflows{
		ProduceDhtOpsTrig: produceSend,
		PublishTrig:       publishSend,
		SysValidateTrig:   sysSend,
		AppValidateTrig:   appSend,
		IntegrateTrig:     integrateSend,
		cancel:            cancel,
	}

	go runWorkflow(ctx, "produce_dht_ops", produceRecv, produceDhtOpsWorkflow(authored, dht, publishSend, sysSend), baseDelay, capDelay, maxRetries)
	go runWorkflow(ctx, "publish", publishRecv, publishWorkflow(authored, pub), baseDelay, capDelay, maxRetries)
	go runWorkflow(ctx, "sys_validate", sysRecv, validateWorkflow(dht, sysV, appSend), baseDelay, capDelay, maxRetries)
	go runWorkflow(ctx, "app_validate", appRecv, appValidateWorkflow(dht, appV, integrateSend), baseDelay, capDelay, maxRetries)
	go runWorkflow(ctx, "integrate", integrateRecv, integrateWorkflow(dht), baseDelay, capDelay, maxRetries)

	return w
}

// Stop cancels every workflow loop started by StartWorkflows.
func (w *Workflows) Stop() { w.cancel() }

const workflowBatchSize = 50

// produceDhtOpsWorkflow decomposes every not-yet-decomposed authored
// record into DhtOps (§4.4), stages them in dht for validation, and
// triggers publish.
func produceDhtOpsWorkflow(authored *AuthoredStore, dht *DhtStore, publish, sysValidate TriggerSender) workflowFn {
	return func(ctx context.Context) (WorkStatus, error) {
		records := authored.Undecomposed()
		if len(records) == 0 {
			return WorkComplete, nil
		}
		batch := records
		incomplete := false
		if len(batch) > workflowBatchSize {
			batch = batch[:workflowBatchSize]
			incomplete = true
		}

		for _, r := range batch {
			ops, err := ProduceDhtOps(r.Signed, r.EntryVal)
			if err != nil {
				return WorkIncomplete, err
			}
			light := make([]DhtOpLight, 0, len(ops))
			for _, op := range ops {
				dht.Stage(op)
				light = append(light, Light(op))
			}
			hh, err := HashHeader(r.Signed.Header)
			if err != nil {
				return WorkIncomplete, err
			}
			authored.SetOps(hh, light)
		}

		publish.Trigger()
		sysValidate.Trigger()
		if incomplete {
			return WorkIncomplete, nil
		}
		return WorkComplete, nil
	}
}

// publishWorkflow hands every record whose ops are decomposed but not yet
// published to the gossip layer (§5).
func publishWorkflow(authored *AuthoredStore, pub Publisher) workflowFn {
	return func(ctx context.Context) (WorkStatus, error) {
		records := authored.Unpublished()
		var toPublish []AuthoredRecord
		for _, r := range records {
			if r.Ops != nil {
				toPublish = append(toPublish, r)
			}
		}
		if len(toPublish) == 0 {
			return WorkComplete, nil
		}
		batch := toPublish
		incomplete := false
		if len(batch) > workflowBatchSize {
			batch = batch[:workflowBatchSize]
			incomplete = true
		}

		for _, r := range batch {
			ops, err := ProduceDhtOps(r.Signed, r.EntryVal)
			if err != nil {
				return WorkIncomplete, err
			}
			if err := pub.Publish(ctx, ops); err != nil {
				return WorkIncomplete, err
			}
			hh, err := HashHeader(r.Signed.Header)
			if err != nil {
				return WorkIncomplete, err
			}
			authored.MarkPublished(hh, true)
		}
		if incomplete {
			return WorkIncomplete, nil
		}
		return WorkComplete, nil
	}
}

// validateWorkflow drains dht's pending-validation queue through sysV,
// parking ops on AwaitingDeps and rejecting or accepting them otherwise,
// then triggers app_validate for everything that passed (§4.5).
func validateWorkflow(dht *DhtStore, sysV Validator, appValidate TriggerSender) workflowFn {
	return func(ctx context.Context) (WorkStatus, error) {
		batch := dht.PendingValidation(workflowBatchSize)
		if len(batch) == 0 {
			return WorkComplete, nil
		}

		for _, rec := range batch {
			_, err := sysV.Validate(ctx, rec.Op)
			if err != nil {
				if await, ok := err.(*AwaitingDeps); ok {
					dht.Park(rec, await.Hashes)
					continue
				}
				if _, ok := err.(*Invalid); ok {
					dht.SetStatus(rec, ValidationRejected)
					continue
				}
				return WorkIncomplete, err
			}
			dht.PassSysValidation(rec)
		}

		appValidate.Trigger()
		if len(batch) == workflowBatchSize {
			return WorkIncomplete, nil
		}
		return WorkComplete, nil
	}
}

// appValidateWorkflow runs sys-valid ops through the zome's app validation
// callback (§4.6), then triggers integrate.
func appValidateWorkflow(dht *DhtStore, appV Validator, integrate TriggerSender) workflowFn {
	return func(ctx context.Context) (WorkStatus, error) {
		batch := dht.PendingAppValidation(workflowBatchSize)
		if len(batch) == 0 {
			return WorkComplete, nil
		}

		for _, rec := range batch {
			status, err := appV.Validate(ctx, rec.Op)
			if err != nil {
				if await, ok := err.(*AwaitingDeps); ok {
					dht.Park(rec, await.Hashes)
					continue
				}
				if _, ok := err.(*Invalid); ok {
					dht.SetStatus(rec, ValidationRejected)
					continue
				}
				return WorkIncomplete, err
			}
			dht.SetStatus(rec, status)
		}

		integrate.Trigger()
		if len(batch) == workflowBatchSize {
			return WorkIncomplete, nil
		}
		return WorkComplete, nil
	}
}

// integrateWorkflow folds every validated-but-not-integrated op into the
// basis-ordered integrated index (§4.9 integration state machine).
func integrateWorkflow(dht *DhtStore) workflowFn {
	return func(ctx context.Context) (WorkStatus, error) {
		batch := dht.PendingIntegration(workflowBatchSize)
		if len(batch) == 0 {
			return WorkComplete, nil
		}
		for _, rec := range batch {
			dht.MarkIntegrated(rec)
		}
		if len(batch) == workflowBatchSize {
			return WorkIncomplete, nil
		}
		return WorkComplete, nil
	}
}

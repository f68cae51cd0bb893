package replication

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"copytrade/internal/config"
	"copytrade/internal/registry"
	"copytrade/internal/terminal"
)

// Coordinator 将主账户的交易意图扇出为各从账户的独立远程提交。
// 主腿严格先于任何从腿完成；从腿之间彼此独立，单个失败不影响其余。
type Coordinator struct {
	links    LinkSource
	provider EndpointProvider
	mirrors  *MirrorBook
	recorder Recorder
	cfg      config.ReplicationConfig
	logger   *zap.Logger
}

// NewCoordinator 创建复制协调器。recorder 可以为 nil。
func NewCoordinator(links LinkSource, provider EndpointProvider, mirrors *MirrorBook, recorder Recorder, cfg config.ReplicationConfig, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		links:    links,
		provider: provider,
		mirrors:  mirrors,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
	}
}

// Replicate 在主账户执行意图，并将变换后的意图分发给全部从账户。
// 默认策略下主腿失败即放弃扇出：从账户绝不持有主账户没有的交易。
func (c *Coordinator) Replicate(ctx context.Context, master registry.Identity, intent terminal.TradeIntent) (Result, error) {
	if err := intent.Validate(); err != nil {
		return Result{}, err
	}

	ok, err := c.links.ResolveAccount(ctx, master)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: master %s", registry.ErrAccountNotFound, master)
	}

	result := Result{Master: master}

	masterEp, err := c.provider.Endpoint(ctx, master)
	if err != nil {
		return Result{}, err
	}

	result.MasterOutcome, result.MasterErr = c.callEndpoint(ctx, func(legCtx context.Context) (terminal.ExecutionOutcome, error) {
		return masterEp.Place(legCtx, intent)
	})

	if result.MasterErr != nil && !c.cfg.ReplicateOnMasterFailure {
		result.Aborted = true
		c.logger.Warn("主账户下单失败，放弃复制",
			zap.String("master", master.String()),
			zap.String("symbol", intent.Symbol),
			zap.Error(result.MasterErr),
		)
		c.recordOpen(ctx, result)
		return result, nil
	}

	link, err := c.links.LookupLink(ctx, master)
	if err != nil {
		return result, err
	}
	if link == nil || len(link.Slaves) == 0 {
		c.recordOpen(ctx, result)
		return result, nil
	}

	result.Slaves = c.fanOut(ctx, link.Slaves, func(legCtx context.Context, spec registry.SlaveSpec, ep Endpoint) (terminal.ExecutionOutcome, error) {
		derived := DeriveSlaveIntent(intent, spec)
		return ep.Place(legCtx, derived)
	})

	if result.MasterOutcome.Accepted && result.MasterOutcome.Ticket != 0 && c.mirrors != nil {
		for _, so := range result.Slaves {
			if so.Err == nil && so.Outcome.Accepted && so.Outcome.Ticket != 0 {
				if recErr := c.mirrors.Record(ctx, master, result.MasterOutcome.Ticket, so.Spec.Target, so.Outcome.Ticket); recErr != nil {
					c.logger.Warn("写入镜像记录失败",
						zap.String("master", master.String()),
						zap.String("slave", so.Spec.Target.String()),
						zap.Error(recErr),
					)
				}
			}
		}
	}

	c.recordOpen(ctx, result)
	return result, nil
}

// ReplicateClose 平掉主账户持仓，并将平仓请求分发给持有镜像持仓的从账户。
// 票号来源优先取调用方显式提供的值，其次取镜像簿；两者皆无的从账户
// 仅该腿报告 PositionNotFound。
func (c *Coordinator) ReplicateClose(ctx context.Context, master registry.Identity, masterTicket int64, explicit []SlaveTicket) (Result, error) {
	ok, err := c.links.ResolveAccount(ctx, master)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: master %s", registry.ErrAccountNotFound, master)
	}

	result := Result{Master: master}

	masterEp, err := c.provider.Endpoint(ctx, master)
	if err != nil {
		return Result{}, err
	}

	result.MasterOutcome, result.MasterErr = c.callEndpoint(ctx, func(legCtx context.Context) (terminal.ExecutionOutcome, error) {
		return masterEp.Close(legCtx, masterTicket)
	})

	if result.MasterErr != nil && !c.cfg.ReplicateOnMasterFailure {
		result.Aborted = true
		c.logger.Warn("主账户平仓失败，放弃复制",
			zap.String("master", master.String()),
			zap.Int64("ticket", masterTicket),
			zap.Error(result.MasterErr),
		)
		c.recordClose(ctx, result)
		return result, nil
	}

	link, err := c.links.LookupLink(ctx, master)
	if err != nil {
		return result, err
	}
	if link == nil || len(link.Slaves) == 0 {
		c.recordClose(ctx, result)
		return result, nil
	}

	explicitTickets := make(map[registry.Identity]int64, len(explicit))
	for _, st := range explicit {
		explicitTickets[st.Target] = st.Ticket
	}

	result.Slaves = c.fanOut(ctx, link.Slaves, func(legCtx context.Context, spec registry.SlaveSpec, ep Endpoint) (terminal.ExecutionOutcome, error) {
		ticket, ok := explicitTickets[spec.Target]
		if !ok {
			if c.mirrors == nil {
				return terminal.ExecutionOutcome{}, fmt.Errorf("%w: 没有镜像记录", terminal.ErrPositionNotFound)
			}
			var found bool
			var err error
			ticket, found, err = c.mirrors.Find(legCtx, master, masterTicket, spec.Target)
			if err != nil {
				return terminal.ExecutionOutcome{}, err
			}
			if !found {
				return terminal.ExecutionOutcome{}, fmt.Errorf("%w: 未找到主票号 %d 的镜像持仓", terminal.ErrPositionNotFound, masterTicket)
			}
		}

		outcome, err := ep.Close(legCtx, ticket)
		if err == nil && c.mirrors != nil {
			if rmErr := c.mirrors.Remove(legCtx, master, masterTicket, spec.Target); rmErr != nil {
				c.logger.Warn("删除镜像记录失败",
					zap.String("slave", spec.Target.String()),
					zap.Error(rmErr),
				)
			}
		}
		return outcome, err
	})

	c.recordClose(ctx, result)
	return result, nil
}

// fanOut 并发分发从腿，受 max_in_flight 约束。
// 从腿使用与调用方取消解耦的上下文：一旦派发，结果必被等待并记录。
func (c *Coordinator) fanOut(ctx context.Context, slaves []registry.SlaveSpec, call func(context.Context, registry.SlaveSpec, Endpoint) (terminal.ExecutionOutcome, error)) []SlaveOutcome {
	outcomes := make([]SlaveOutcome, len(slaves))

	maxInFlight := c.cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 1
	}

	group := new(errgroup.Group)
	group.SetLimit(maxInFlight)

	detached := context.WithoutCancel(ctx)

	for i, spec := range slaves {
		i, spec := i, spec
		group.Go(func() error {
			outcomes[i].Spec = spec

			ep, err := c.provider.Endpoint(detached, spec.Target)
			if err != nil {
				outcomes[i].Err = err
				return nil
			}

			legCtx, cancel := context.WithTimeout(detached, c.callTimeout())
			defer cancel()

			outcomes[i].Outcome, outcomes[i].Err = call(legCtx, spec, ep)
			if outcomes[i].Err != nil {
				c.logger.Warn("从账户执行失败",
					zap.String("slave", spec.Target.String()),
					zap.Error(outcomes[i].Err),
				)
			}
			return nil
		})
	}

	_ = group.Wait()
	return outcomes
}

// callEndpoint 执行主腿调用，同样与调用方取消解耦。
func (c *Coordinator) callEndpoint(ctx context.Context, call func(context.Context) (terminal.ExecutionOutcome, error)) (terminal.ExecutionOutcome, error) {
	legCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.callTimeout())
	defer cancel()
	return call(legCtx)
}

func (c *Coordinator) callTimeout() time.Duration {
	if c.cfg.CallTimeout > 0 {
		return c.cfg.CallTimeout
	}
	return 30 * time.Second
}

func (c *Coordinator) recordOpen(ctx context.Context, result Result) {
	if c.recorder != nil {
		c.recorder.RecordOpen(ctx, result)
	}
}

func (c *Coordinator) recordClose(ctx context.Context, result Result) {
	if c.recorder != nil {
		c.recorder.RecordClose(ctx, result)
	}
}

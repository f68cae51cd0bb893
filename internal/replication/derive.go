package replication

import (
	"copytrade/internal/registry"
	"copytrade/internal/terminal"
)

// DeriveSlaveIntent 由主意图与从账户参数推导从账户的下单意图。
// 手数按 size_ratio 等比缩放，不做截断；方向按配置映射；
// SL/TP 仅在 copy_risk_params 开启时原样拷贝；
// 挂单价与主意图一致，不按从账户重新询价；
// 从账户的挂单始终允许回退为市价单，与主意图的回退设置无关。
func DeriveSlaveIntent(master terminal.TradeIntent, spec registry.SlaveSpec) terminal.TradeIntent {
	derived := terminal.TradeIntent{
		Symbol:           master.Symbol,
		Side:             master.Side,
		Volume:           master.Volume * spec.SizeRatio,
		LimitPrice:       master.LimitPrice,
		FallbackToMarket: true,
	}

	if spec.Direction == registry.DirectionOpposite {
		derived.Side = master.Side.Opposite()
	}

	if spec.CopyRiskParams {
		derived.StopLoss = master.StopLoss
		derived.TakeProfit = master.TakeProfit
	}

	return derived
}

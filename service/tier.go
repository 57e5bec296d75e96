package service

// ResourceTier 加速器容量档位，进程生命周期内只判定一次
type ResourceTier string

const (
	// TierFull 全量执行：常驻显存加载、启用可选的精修阶段
	TierFull ResourceTier = "full"
	// TierConstrained 受限执行：模型托管方启用省显存/卸载模式，跳过精修
	TierConstrained ResourceTier = "constrained"
)

// SelectResourceTier 按上报的显存容量与固定阈值分档。
// 容量为0视为未知（CPU或查询失败），按全量档处理。
func SelectResourceTier(vramMB, thresholdMB int) ResourceTier {
	if vramMB > 0 && vramMB < thresholdMB {
		return TierConstrained
	}
	return TierFull
}

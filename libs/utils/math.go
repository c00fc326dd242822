package utils

// SST行上的计数器都是int64，这里是谓词和接收路径用到的几个小工具

// MinInt64 返回最小值，空入参返回-1
func MinInt64(data ...int64) int64 {
	if len(data) == 0 {
		return -1
	}
	res := data[0]
	for _, datum := range data {
		if datum < res {
			res = datum
		}
	}
	return res
}

// MaxInt64 返回最大值，空入参返回-1
func MaxInt64(data ...int64) int64 {
	if len(data) == 0 {
		return -1
	}
	res := data[0]
	for _, datum := range data {
		if datum > res {
			res = datum
		}
	}
	return res
}

// MinInt64WithIndex 返回最小值和第一个最小值的下标
// 接收路径用它找shard里最慢的发送者(argmin)
func MinInt64WithIndex(data ...int64) (int64, int) {
	if len(data) == 0 {
		return -1, -1
	}
	res, idx := data[0], 0
	for i, datum := range data {
		if datum < res {
			res, idx = datum, i
		}
	}
	return res, idx
}

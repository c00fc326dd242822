package multicast

//Group - 有序原子多播核心，一个view一个实例，main goroutine之外有两个worker
//	- 消息buffer pool - 每个subgroup预充window_size*|shard成员|块定长内存，快路径零分配
//	- 接收装配 - 传输层回调把块装配成消息，推进num_received并发布seq_num
//	- 稳定性/交付谓词 - 挂在SST执行器上，shard最小seq_num推stable_num，
//	  shard最小stable_num放行交付，交付按seq_num全序、每sender FIFO
//	- sender loop - 对subgroup round-robin，受窗口和对端delivered_num/persisted_num节流
//	- heartbeat loop - 每timeout_ms发布一个单调tick，外面的watchdog判活
//	- 持久化桥 - 交付和buffer回收之间的闸，落盘确认后才发布persisted_num
//	- view切换 - NewGroupFromOld把没发完、stable没交付的工作接进新实例

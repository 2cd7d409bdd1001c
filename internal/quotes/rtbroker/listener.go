package rtbroker

import "quotehub.com/internal/quotes/model"

// Listener 接收 broker 对外的事件。回调在适配器/解析器的协程里同步执行，不要阻塞。
type Listener interface {
	RealTimeDataArrived(ev model.DataEvent)
	ResolutionError(e model.ResolutionError)
}

// ListenerFuncs 函数形式的 Listener，空字段忽略
type ListenerFuncs struct {
	OnData            func(ev model.DataEvent)
	OnResolutionError func(e model.ResolutionError)
}

func (f ListenerFuncs) RealTimeDataArrived(ev model.DataEvent) {
	if f.OnData != nil {
		f.OnData(ev)
	}
}

func (f ListenerFuncs) ResolutionError(e model.ResolutionError) {
	if f.OnResolutionError != nil {
		f.OnResolutionError(e)
	}
}

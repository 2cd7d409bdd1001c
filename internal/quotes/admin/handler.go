package admin

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"quotehub.com/internal/quotes/model"
	"quotehub.com/pkg/common"
	"quotehub.com/pkg/xerr"
)

type subscriptionReq struct {
	InstrumentID int    `json:"instrument_id" form:"instrument_id" binding:"required"`
	BarSize      string `json:"bar_size" form:"bar_size" binding:"required"`
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readyz broker 可用且至少一个适配器在线
func (s *Server) readyz(c *gin.Context) {
	sources := s.broker.Sources()
	up := 0
	for _, st := range sources {
		if st.Connected {
			up++
		}
	}
	if s.broker.Disposed() || up == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "sources": sources})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "sources": sources})
}

func (s *Server) sources(c *gin.Context) {
	common.Success(c, s.broker.Sources())
}

func (s *Server) subscriptions(c *gin.Context) {
	common.Success(c, s.broker.Snapshot())
}

func (s *Server) subscribe(c *gin.Context) {
	var in subscriptionReq
	if err := c.ShouldBindJSON(&in); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.InvalidRequest, "bind"))
		return
	}
	req, err := s.resolve(in)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	if err := s.broker.RequestRealTimeData(c.Request.Context(), req); err != nil {
		common.FailFromErr(c, err)
		return
	}
	common.Success(c, gin.H{"alias": req.Alias(), "bar_size": req.BarSize.String()})
}

func (s *Server) unsubscribe(c *gin.Context) {
	var in subscriptionReq
	if err := c.ShouldBindQuery(&in); err != nil {
		common.FailFromErr(c, xerr.Wrap(err, xerr.InvalidRequest, "bind"))
		return
	}
	req, err := s.resolve(in)
	if err != nil {
		common.FailFromErr(c, err)
		return
	}
	s.broker.CancelRealTimeData(c.Request.Context(), req.Instrument, req.BarSize)
	common.Success(c, nil)
}

func (s *Server) resolve(in subscriptionReq) (model.RealTimeDataRequest, error) {
	bs, err := model.ParseBarSize(in.BarSize)
	if err != nil {
		return model.RealTimeDataRequest{}, xerr.Wrap(err, xerr.InvalidRequest, "bar size")
	}
	inst, ok := s.book.Instrument(in.InstrumentID)
	if !ok {
		return model.RealTimeDataRequest{}, xerr.NewErrCode(xerr.RecordNotFound)
	}
	return model.RealTimeDataRequest{Instrument: inst, BarSize: bs}, nil
}

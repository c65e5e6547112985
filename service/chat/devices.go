package chat

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"IMDelivery/middleware"
	midsec "IMDelivery/middleware/security"
	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

type registerDeviceReq struct {
	DeviceID  string `json:"deviceId"`
	PushToken string `json:"pushToken"`
	Provider  string `json:"provider" binding:"required"`
}

func (s *Server) mountDevices(r gin.IRoutes) {
	opt := middleware.RouteOpt{IsAuth: true, Auth: s.auth}
	middleware.PUT(r, "/api/devices", s.registerDevice, opt)
	middleware.DELETE(r, "/api/devices/:id", s.deleteDevice, opt)
}

// registerDevice 未指定 deviceId 时取凭证里的 did
func (s *Server) registerDevice(c *gin.Context) {
	id, _ := midsec.IdentityFrom(c)
	var req registerDeviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		s.apiError(c, errs.ErrMalformedPayload.WrapMsg(err.Error()))
		return
	}
	provider, err := model.ParsePushProvider(req.Provider)
	if err != nil {
		s.apiError(c, errs.ErrMalformedPayload.WrapMsg(err.Error()))
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = id.DeviceID
	}
	d := model.Device{
		DeviceID:     req.DeviceID,
		UserID:       id.UserID,
		PushToken:    req.PushToken,
		Provider:     provider,
		LastActiveAt: s.now().UTC(),
	}
	if err := s.devices.Register(c.Request.Context(), d); err != nil {
		s.apiError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 0, "data": d})
}

func (s *Server) deleteDevice(c *gin.Context) {
	id, _ := midsec.IdentityFrom(c)
	if err := s.devices.Delete(c.Request.Context(), id.UserID, c.Param("id")); err != nil {
		s.apiError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) apiError(c *gin.Context, err error) {
	ce := errs.AsCodeError(err)
	status := http.StatusInternalServerError
	switch ce.Code {
	case errs.MalformedPayloadError:
		status = http.StatusBadRequest
	case errs.UnauthorizedError:
		status = http.StatusUnauthorized
	case errs.ForbiddenError:
		status = http.StatusForbidden
	case errs.NotFoundError:
		status = http.StatusNotFound
	default:
		s.log.Error("device api", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": ce.Code, "message": ce.Msg})
}

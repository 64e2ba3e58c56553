package audit

import (
	"github.com/gin-gonic/gin"

	apperrors "github.com/hrportal/hrportal/internal/common/errors"
	"github.com/hrportal/hrportal/internal/common/validation"
)

type listQuery struct {
	UserID  string `form:"userId"`
	Action  string `form:"action"`
	Success *bool  `form:"success"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset  int    `form:"offset" binding:"omitempty,min=0"`
}

// RegisterRoutes mounts the audit log listing. guard runs before the handler.
func RegisterRoutes(router gin.IRoutes, svc *Service, guard ...gin.HandlerFunc) {
	handlers := append(guard, svc.handleList)
	router.GET("/audit", handlers...)
}

func (s *Service) handleList(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		apperrors.HandleError(c, apperrors.ValidationError(validation.FromBindingError(err).Error()))
		return
	}

	events, err := s.List(c.Request.Context(), Filter{
		UserID:  q.UserID,
		Action:  Action(q.Action),
		Success: q.Success,
		Limit:   q.Limit,
		Offset:  q.Offset,
	})
	if err != nil {
		apperrors.HandleError(c, apperrors.DatabaseError("list audit events", err))
		return
	}

	apperrors.OK(c, gin.H{"events": events, "count": len(events)}, "Journal d'audit récupéré")
}

package server

import (
	"net/http"
	"sort"

	"github.com/abjerry97/go_hostel/api"
	"github.com/abjerry97/go_hostel/internal/processors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func (s *APIServer) handleMealPlans(c *gin.Context) {
	plans := make([]api.MealPlan, 0, len(processors.MealPlans))
	for _, plan := range processors.MealPlans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].ID < plans[j].ID })

	active, ok, err := s.db.ActiveMealPlan(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch meal subscription"})
		return
	}

	resp := gin.H{"plans": plans, "active_plan_id": nil}
	if ok {
		resp["active_plan_id"] = active
	}
	c.JSON(http.StatusOK, resp)
}

func (s *APIServer) handleSubscribeMealPlan(c *gin.Context) {
	var request struct {
		PlanID int `json:"plan_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, ok := processors.MealPlans[request.PlanID]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown meal plan"})
		return
	}

	if err := s.db.SubscribeMealPlan(c.Request.Context(), userID(c), plan.ID); err != nil {
		log.WithError(err).Error("Failed to subscribe to meal plan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to subscribe to meal plan"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Subscribed to " + plan.Name,
		"plan":    plan,
	})
}

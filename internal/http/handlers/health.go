package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/soulmesh/lifestream-backend/internal/http/response"
)

func HealthCheck(c *gin.Context) {
	response.RespondOK(c, gin.H{"status": "ok"})
}

package service

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"speech_room/internal/models"
	"speech_room/internal/repository"
	"speech_room/internal/utils"
)

var (
	ErrUserExists         = errors.New("使用者名稱已被使用")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

type UserService struct {
	userRepo repository.UserRepository
	tokens   *utils.TokenManager
}

func NewUserService(userRepo repository.UserRepository, tokens *utils.TokenManager) *UserService {
	return &UserService{userRepo: userRepo, tokens: tokens}
}

// Register 建立新帳號，密碼以 bcrypt 雜湊後儲存
func (s *UserService) Register(username, password, displayName string) (*models.User, error) {
	username = strings.TrimSpace(username)
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(displayName) == "" {
		displayName = username
	}
	user := &models.User{
		Username:    username,
		Password:    string(hashed),
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := s.userRepo.Create(user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, err
	}
	return user, nil
}

// Login 驗證帳號密碼並簽發 token
func (s *UserService) Login(username, password string) (string, *models.User, error) {
	user, err := s.userRepo.FindByUsername(strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func (s *UserService) GetUser(id uint) (*models.User, error) {
	return s.userRepo.FindByID(id)
}
